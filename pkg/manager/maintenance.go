package manager

import (
	"context"

	"github.com/cuemby/stackman/pkg/concern"
	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/events"
	"github.com/cuemby/stackman/pkg/topology"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
)

// mmPrototype returns the prototype whose allow_maintenance_mode governs
// ref: the cluster prototype for hosts, the object's own otherwise
func mmPrototype(c *txn.Context, obj types.ADCMObject) (*types.Prototype, uint64, error) {
	switch o := obj.(type) {
	case *types.Host:
		if o.ClusterID == 0 {
			return nil, 0, errdefs.New(errdefs.HostNotBound, "host %q is not bound to a cluster", o.Name)
		}
		cluster, err := c.Tx.GetCluster(o.ClusterID)
		if err != nil {
			return nil, 0, err
		}
		proto, err := c.Tx.GetPrototype(cluster.PrototypeID)
		return proto, o.ClusterID, err
	case *types.Service:
		proto, err := c.Tx.GetPrototype(o.PrototypeID)
		return proto, o.ClusterID, err
	case *types.Component:
		proto, err := c.Tx.GetPrototype(o.PrototypeID)
		return proto, o.ClusterID, err
	}
	return nil, 0, errdefs.New(errdefs.InvalidInput, "%s does not support maintenance mode", obj.Ref())
}

// SetMaintenanceMode switches the own maintenance mode of a host, service or
// component. Every object whose effective mode flips gets an
// object_mm_changed event and concerns are redistributed.
func (m *Manager) SetMaintenanceMode(ctx context.Context, ref types.ObjectRef, on bool) error {
	want := types.MaintenanceModeOff
	if on {
		want = types.MaintenanceModeOn
	}
	return m.updateObject(ctx, ref, func(c *txn.Context) error {
		obj, err := c.Tx.GetObject(ref)
		if err != nil {
			return err
		}
		proto, clusterID, err := mmPrototype(c, obj)
		if err != nil {
			return err
		}
		if !proto.AllowMaintenanceMode {
			return errdefs.New(errdefs.InvalidInput, "maintenance mode is not allowed for %s", ref)
		}
		if obj.Base().MaintenanceMode == want {
			return nil
		}
		if err := concern.CheckUnlocked(c.Tx, ref); err != nil {
			return err
		}

		before, err := topology.Load(c.Tx, clusterID)
		if err != nil {
			return err
		}
		obj.Base().MaintenanceMode = want
		if err := c.Tx.UpdateObject(obj); err != nil {
			return err
		}
		after, err := topology.Load(c.Tx, clusterID)
		if err != nil {
			return err
		}

		changed := topology.CalculateMaintenanceMode(after).Changed(topology.CalculateMaintenanceMode(before))
		refs := make([]types.ObjectRef, 0, len(changed))
		for r := range changed {
			refs = append(refs, r)
		}
		types.SortRefs(refs)
		for _, r := range refs {
			mm := changed[r]
			c.Publish(events.EventObjectMMChanged, r.String(), &events.ObjectMMChanged{Object: r, Old: mm[0], New: mm[1]})
		}

		c.Log.Info().
			Str("maintenance_mode", string(want)).
			Int("effective_changes", len(refs)).
			Msg("Maintenance mode changed")
		return m.concerns.Redistribute(c, types.ClusterRef(clusterID))
	})
}
