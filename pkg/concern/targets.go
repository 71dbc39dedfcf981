package concern

import (
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/topology"
	"github.com/cuemby/stackman/pkg/types"
)

type refSet map[types.ObjectRef]struct{}

func (s refSet) add(refs ...types.ObjectRef) {
	for _, r := range refs {
		s[r] = struct{}{}
	}
}

func (s refSet) list() []types.ObjectRef {
	out := make([]types.ObjectRef, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	types.SortRefs(out)
	return out
}

// addHostTree adds a host, its provider and everything the host is mapped to
func addHostTree(out refSet, topo *topology.ClusterTopology, h *types.Host) {
	out.add(h.Ref(), types.ProviderRef(h.ProviderID))
	if topo == nil {
		return
	}
	out.add(topo.Cluster.Ref())
	for _, c := range topo.HostComponents(h.ID) {
		out.add(c.Info.Ref(), types.ServiceRef(c.Info.ServiceID))
	}
}

// Targets returns every object a concern owned by owner propagates to,
// ignoring maintenance mode. The owner itself is included.
func Targets(tx storage.Tx, owner types.ObjectRef) ([]types.ObjectRef, error) {
	out := refSet{}
	out.add(owner)

	switch owner.Type {
	case types.ObjectTypeCluster:
		topo, err := topology.Load(tx, owner.ID)
		if err != nil {
			return nil, err
		}
		for _, s := range topo.Services {
			out.add(s.Info.Ref())
			for _, c := range s.Components {
				out.add(c.Info.Ref())
			}
		}
		for id := range topo.MappedHosts() {
			out.add(types.HostRef(id))
		}

	case types.ObjectTypeService:
		s, err := tx.GetService(owner.ID)
		if err != nil {
			return nil, err
		}
		topo, err := topology.Load(tx, s.ClusterID)
		if err != nil {
			return nil, err
		}
		out.add(topo.Cluster.Ref())
		if node := topo.Services[s.ID]; node != nil {
			for _, c := range node.Components {
				out.add(c.Info.Ref())
				for id := range c.Hosts {
					out.add(types.HostRef(id))
				}
			}
		}

	case types.ObjectTypeComponent:
		c, err := tx.GetComponent(owner.ID)
		if err != nil {
			return nil, err
		}
		topo, err := topology.Load(tx, c.ClusterID)
		if err != nil {
			return nil, err
		}
		out.add(topo.Cluster.Ref(), types.ServiceRef(c.ServiceID))
		if node := topo.Component(c.ID); node != nil {
			for id := range node.Hosts {
				out.add(types.HostRef(id))
			}
		}

	case types.ObjectTypeHost:
		h, err := tx.GetHost(owner.ID)
		if err != nil {
			return nil, err
		}
		var topo *topology.ClusterTopology
		if h.ClusterID != 0 {
			if topo, err = topology.Load(tx, h.ClusterID); err != nil {
				return nil, err
			}
		}
		addHostTree(out, topo, h)

	case types.ObjectTypeProvider:
		hosts, err := tx.ListHosts(storage.HostFilter{ProviderID: owner.ID})
		if err != nil {
			return nil, err
		}
		topos := map[uint64]*topology.ClusterTopology{}
		for _, h := range hosts {
			var topo *topology.ClusterTopology
			if h.ClusterID != 0 {
				if topo = topos[h.ClusterID]; topo == nil {
					if topo, err = topology.Load(tx, h.ClusterID); err != nil {
						return nil, err
					}
					topos[h.ClusterID] = topo
				}
			}
			addHostTree(out, topo, h)
		}
	}
	return out.list(), nil
}
