package topology

import (
	"github.com/cuemby/stackman/pkg/types"
	"k8s.io/apimachinery/pkg/util/sets"
)

// MaintenanceState holds the effective maintenance mode of every object of a
// cluster tree. Only MaintenanceModeOn counts as on; CHANGING is off.
type MaintenanceState struct {
	Cluster    types.MaintenanceMode
	Services   map[uint64]types.MaintenanceMode
	Components map[uint64]types.MaintenanceMode
	Hosts      map[uint64]types.MaintenanceMode
}

func isOn(mm types.MaintenanceMode) bool {
	return mm == types.MaintenanceModeOn
}

func flag(on bool) types.MaintenanceMode {
	if on {
		return types.MaintenanceModeOn
	}
	return types.MaintenanceModeOff
}

// CalculateMaintenanceMode derives effective maintenance mode from the own
// modes recorded in the topology:
//
//   - host: its own mode
//   - component: own on, service own on, or all of its (non-empty) hosts on
//   - service: own on, or all components on while at least one has a host
//   - cluster: its own mode, never derived from children
func CalculateMaintenanceMode(t *ClusterTopology) *MaintenanceState {
	st := &MaintenanceState{
		Cluster:    flag(isOn(t.Cluster.MaintenanceMode)),
		Services:   make(map[uint64]types.MaintenanceMode, len(t.Services)),
		Components: make(map[uint64]types.MaintenanceMode),
		Hosts:      make(map[uint64]types.MaintenanceMode, len(t.Hosts)),
	}
	for id, h := range t.Hosts {
		st.Hosts[id] = flag(isOn(h.MaintenanceMode))
	}

	for sid, s := range t.Services {
		serviceOwn := isOn(s.Info.MaintenanceMode)
		allOn := true
		anyMapped := false

		for cid, c := range s.Components {
			on := isOn(c.Info.MaintenanceMode) || serviceOwn || (c.Hosts.Len() > 0 && st.allHostsOn(c.Hosts))
			st.Components[cid] = flag(on)
			allOn = allOn && on
			anyMapped = anyMapped || c.Hosts.Len() > 0
		}
		st.Services[sid] = flag(serviceOwn || (allOn && anyMapped))
	}
	return st
}

func (st *MaintenanceState) allHostsOn(hosts sets.Set[uint64]) bool {
	for h := range hosts {
		if !isOn(st.Hosts[h]) {
			return false
		}
	}
	return true
}

// Of returns the effective mode of ref, or off for objects outside the tree
func (st *MaintenanceState) Of(ref types.ObjectRef) types.MaintenanceMode {
	var mm types.MaintenanceMode
	switch ref.Type {
	case types.ObjectTypeCluster:
		mm = st.Cluster
	case types.ObjectTypeService:
		mm = st.Services[ref.ID]
	case types.ObjectTypeComponent:
		mm = st.Components[ref.ID]
	case types.ObjectTypeHost:
		mm = st.Hosts[ref.ID]
	}
	if mm == "" {
		return types.MaintenanceModeOff
	}
	return mm
}

// IsOn reports whether ref is effectively in maintenance mode
func (st *MaintenanceState) IsOn(ref types.ObjectRef) bool {
	return isOn(st.Of(ref))
}

// Changed lists objects whose effective mode differs between two states
func (st *MaintenanceState) Changed(other *MaintenanceState) map[types.ObjectRef][2]types.MaintenanceMode {
	out := map[types.ObjectRef][2]types.MaintenanceMode{}
	cmp := func(ref types.ObjectRef) {
		if a, b := other.Of(ref), st.Of(ref); a != b {
			out[ref] = [2]types.MaintenanceMode{a, b}
		}
	}
	for id := range st.Services {
		cmp(types.ServiceRef(id))
	}
	for id := range st.Components {
		cmp(types.ComponentRef(id))
	}
	for id := range st.Hosts {
		cmp(types.HostRef(id))
	}
	return out
}
