package scheduler

import (
	"sort"

	"github.com/cuemby/stackman/pkg/config"
	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/topology"
	"github.com/cuemby/stackman/pkg/types"
)

func notAvailable(action *types.Action, obj types.ADCMObject, format string, args ...any) error {
	return errdefs.New(errdefs.ActionNotAvailable, "action %q on %s: "+format,
		append([]any{action.Name, obj.Ref()}, args...)...)
}

// maintenanceOn reports the effective maintenance mode of an object
func maintenanceOn(tx storage.Tx, obj types.ADCMObject) (bool, error) {
	clusterID := config.ClusterOf(obj)
	if clusterID == 0 {
		return obj.Base().MaintenanceMode == types.MaintenanceModeOn, nil
	}
	topo, err := topology.Load(tx, clusterID)
	if err != nil {
		return false, err
	}
	return topology.CalculateMaintenanceMode(topo).IsOn(obj.Ref()), nil
}

// declarer returns the object whose prototype declares a host action that
// host may run, or nil when the host is not mapped to such an object
func declarer(tx storage.Tx, host *types.Host, action *types.Action) (types.ADCMObject, error) {
	if host.ClusterID == 0 {
		return nil, nil
	}
	proto, err := tx.GetPrototype(action.PrototypeID)
	if err != nil {
		return nil, err
	}
	topo, err := topology.Load(tx, host.ClusterID)
	if err != nil {
		return nil, err
	}
	switch proto.Type {
	case types.ObjectTypeCluster:
		if topo.Cluster.PrototypeID == proto.ID {
			return topo.Cluster, nil
		}
	case types.ObjectTypeService:
		for _, svc := range topo.Services {
			if svc.Info.PrototypeID == proto.ID && topo.ServiceHosts(svc.Info.ID).Has(host.ID) {
				return svc.Info, nil
			}
		}
	case types.ObjectTypeComponent:
		for _, comp := range topo.HostComponents(host.ID) {
			if comp.Info.PrototypeID == proto.ID {
				return comp.Info, nil
			}
		}
	}
	return nil, nil
}

func matchesMask(state string, multi []string, available, unavailable types.StateMask) bool {
	if !available.State.Contains(state) || unavailable.State.Contains(state) {
		return false
	}
	// an unset multi-state whitelist does not restrict
	if !available.MultiState.IsEmpty() && !available.MultiState.Intersects(multi) {
		return false
	}
	return unavailable.MultiState.IsEmpty() || !unavailable.MultiState.Intersects(multi)
}

// checkAvailable returns nil when action may be launched on obj now.
// Host actions match states against the declaring object and maintenance
// mode against the host.
func checkAvailable(tx storage.Tx, obj types.ADCMObject, action *types.Action) error {
	if action.IsUpgrade() {
		return notAvailable(action, obj, "upgrade actions run through an upgrade")
	}

	subject := obj
	host, isHost := obj.(*types.Host)
	switch {
	case action.HostAction && !isHost:
		return notAvailable(action, obj, "host action runs on hosts only")
	case action.HostAction:
		owner, err := declarer(tx, host, action)
		if err != nil {
			return err
		}
		if owner == nil {
			return notAvailable(action, obj, "host is not mapped to the declaring object")
		}
		subject = owner
	case obj.Base().PrototypeID != action.PrototypeID:
		return notAvailable(action, obj, "action belongs to another prototype")
	}

	base := subject.Base()
	if !matchesMask(base.State, base.MultiState, action.AvailableAt, action.UnavailableAt) {
		return notAvailable(action, obj, "not available in state %q", base.State)
	}
	if !action.AllowInMaintenanceMode {
		on, err := maintenanceOn(tx, obj)
		if err != nil {
			return err
		}
		if on {
			return errdefs.New(errdefs.HostInMaintenanceMode, "%s is in maintenance mode", obj.Ref())
		}
	}
	return nil
}

// candidates lists the actions that may surface on obj before state checks
func candidates(tx storage.Tx, obj types.ADCMObject) ([]*types.Action, error) {
	own, err := tx.ListActions(obj.Base().PrototypeID)
	if err != nil {
		return nil, err
	}
	var out []*types.Action
	for _, a := range own {
		if !a.HostAction && !a.IsUpgrade() {
			out = append(out, a)
		}
	}

	host, ok := obj.(*types.Host)
	if !ok || host.ClusterID == 0 {
		return out, nil
	}
	topo, err := topology.Load(tx, host.ClusterID)
	if err != nil {
		return nil, err
	}
	protoIDs := []uint64{topo.Cluster.PrototypeID}
	for _, svc := range topo.Services {
		if topo.ServiceHosts(svc.Info.ID).Has(host.ID) {
			protoIDs = append(protoIDs, svc.Info.PrototypeID)
		}
	}
	for _, comp := range topo.HostComponents(host.ID) {
		protoIDs = append(protoIDs, comp.Info.PrototypeID)
	}
	for _, id := range protoIDs {
		actions, err := tx.ListActions(id)
		if err != nil {
			return nil, err
		}
		for _, a := range actions {
			if a.HostAction && !a.IsUpgrade() {
				out = append(out, a)
			}
		}
	}
	return out, nil
}

// Available lists the actions that can be launched on an object in its
// current state, sorted by name
func Available(tx storage.Tx, ref types.ObjectRef) ([]*types.Action, error) {
	obj, err := tx.GetObject(ref)
	if err != nil {
		return nil, err
	}
	all, err := candidates(tx, obj)
	if err != nil {
		return nil, err
	}
	var out []*types.Action
	for _, a := range all {
		err := checkAvailable(tx, obj, a)
		switch {
		case err == nil:
			out = append(out, a)
		case errdefs.Is(err, errdefs.ActionNotAvailable), errdefs.Is(err, errdefs.HostInMaintenanceMode):
		default:
			return nil, err
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
