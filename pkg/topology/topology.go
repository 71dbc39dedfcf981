package topology

import (
	"sort"

	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/types"
	"k8s.io/apimachinery/pkg/util/sets"
)

// ComponentNode is a component with the hosts mapped to it
type ComponentNode struct {
	Info  *types.Component
	Hosts sets.Set[uint64]
}

// ServiceNode is a service with its components
type ServiceNode struct {
	Info       *types.Service
	Components map[uint64]*ComponentNode
}

// ClusterTopology is an in-memory snapshot of one cluster tree and its
// host-component map
type ClusterTopology struct {
	Cluster       *types.Cluster
	Services      map[uint64]*ServiceNode
	Hosts         map[uint64]*types.Host // every host bound to the cluster
	UnmappedHosts sets.Set[uint64]
	ComponentIDs  sets.Set[uint64]
}

// Load reads a cluster, its services, components, bound hosts and mapping
func Load(tx storage.Tx, clusterID uint64) (*ClusterTopology, error) {
	cluster, err := tx.GetCluster(clusterID)
	if err != nil {
		return nil, err
	}
	services, err := tx.ListServices(clusterID)
	if err != nil {
		return nil, err
	}
	components, err := tx.ListComponents(clusterID, 0)
	if err != nil {
		return nil, err
	}
	hosts, err := tx.ListHosts(storage.HostFilter{ClusterID: clusterID})
	if err != nil {
		return nil, err
	}
	edges, err := tx.ListHostComponents(clusterID)
	if err != nil {
		return nil, err
	}

	t := &ClusterTopology{
		Cluster:      cluster,
		Services:     make(map[uint64]*ServiceNode, len(services)),
		Hosts:        make(map[uint64]*types.Host, len(hosts)),
		ComponentIDs: sets.New[uint64](),
	}
	for _, s := range services {
		t.Services[s.ID] = &ServiceNode{Info: s, Components: map[uint64]*ComponentNode{}}
	}
	for _, c := range components {
		svc, ok := t.Services[c.ServiceID]
		if !ok {
			continue
		}
		svc.Components[c.ID] = &ComponentNode{Info: c, Hosts: sets.New[uint64]()}
		t.ComponentIDs.Insert(c.ID)
	}
	for _, h := range hosts {
		t.Hosts[h.ID] = h
	}
	for _, e := range edges {
		if node := t.Component(e.ComponentID); node != nil {
			node.Hosts.Insert(e.HostID)
		}
	}
	t.refreshUnmapped()
	return t, nil
}

func (t *ClusterTopology) refreshUnmapped() {
	t.UnmappedHosts = sets.KeySet(t.Hosts).Difference(t.MappedHosts())
}

// ID returns the cluster id
func (t *ClusterTopology) ID() uint64 {
	return t.Cluster.ID
}

// Component returns the component node or nil
func (t *ClusterTopology) Component(id uint64) *ComponentNode {
	for _, s := range t.Services {
		if c, ok := s.Components[id]; ok {
			return c
		}
	}
	return nil
}

// ServiceOf returns the service owning a component or nil
func (t *ClusterTopology) ServiceOf(componentID uint64) *ServiceNode {
	for _, s := range t.Services {
		if _, ok := s.Components[componentID]; ok {
			return s
		}
	}
	return nil
}

// MappedHosts returns every host with at least one component
func (t *ClusterTopology) MappedHosts() sets.Set[uint64] {
	out := sets.New[uint64]()
	for _, s := range t.Services {
		for _, c := range s.Components {
			out = out.Union(c.Hosts)
		}
	}
	return out
}

// ServiceHosts returns hosts mapped to any component of a service
func (t *ClusterTopology) ServiceHosts(serviceID uint64) sets.Set[uint64] {
	out := sets.New[uint64]()
	if s, ok := t.Services[serviceID]; ok {
		for _, c := range s.Components {
			out = out.Union(c.Hosts)
		}
	}
	return out
}

// HostComponents returns the components a host is mapped to, sorted by id
func (t *ClusterTopology) HostComponents(hostID uint64) []*ComponentNode {
	var out []*ComponentNode
	for _, s := range t.Services {
		for _, c := range s.Components {
			if c.Hosts.Has(hostID) {
				out = append(out, c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.ID < out[j].Info.ID })
	return out
}

// Edges returns the mapping as sorted HostComponent records
func (t *ClusterTopology) Edges() []types.HostComponent {
	var out []types.HostComponent
	for _, s := range t.Services {
		for _, c := range s.Components {
			for _, h := range sets.List(c.Hosts) {
				out = append(out, types.HostComponent{
					ClusterID:   t.Cluster.ID,
					HostID:      h,
					ServiceID:   s.Info.ID,
					ComponentID: c.Info.ID,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HostID != out[j].HostID {
			return out[i].HostID < out[j].HostID
		}
		return out[i].ComponentID < out[j].ComponentID
	})
	return out
}

// Refs returns references to the cluster, all services, components and
// bound hosts
func (t *ClusterTopology) Refs() []types.ObjectRef {
	refs := []types.ObjectRef{t.Cluster.Ref()}
	for _, s := range t.Services {
		refs = append(refs, s.Info.Ref())
		for _, c := range s.Components {
			refs = append(refs, c.Info.Ref())
		}
	}
	for id := range t.Hosts {
		refs = append(refs, types.HostRef(id))
	}
	types.SortRefs(refs)
	return refs
}

// Contains reports whether ref belongs to this cluster tree
func (t *ClusterTopology) Contains(ref types.ObjectRef) bool {
	switch ref.Type {
	case types.ObjectTypeCluster:
		return ref.ID == t.Cluster.ID
	case types.ObjectTypeService:
		_, ok := t.Services[ref.ID]
		return ok
	case types.ObjectTypeComponent:
		return t.ComponentIDs.Has(ref.ID)
	case types.ObjectTypeHost:
		_, ok := t.Hosts[ref.ID]
		return ok
	}
	return false
}

// Clone returns a deep copy of the mapping; object records are shared
func (t *ClusterTopology) Clone() *ClusterTopology {
	out := &ClusterTopology{
		Cluster:      t.Cluster,
		Services:     make(map[uint64]*ServiceNode, len(t.Services)),
		Hosts:        make(map[uint64]*types.Host, len(t.Hosts)),
		ComponentIDs: t.ComponentIDs.Clone(),
	}
	for id, s := range t.Services {
		node := &ServiceNode{Info: s.Info, Components: make(map[uint64]*ComponentNode, len(s.Components))}
		for cid, c := range s.Components {
			node.Components[cid] = &ComponentNode{Info: c.Info, Hosts: c.Hosts.Clone()}
		}
		out.Services[id] = node
	}
	for id, h := range t.Hosts {
		out.Hosts[id] = h
	}
	out.UnmappedHosts = t.UnmappedHosts.Clone()
	return out
}

// WithMapping returns a copy whose mapping is replaced by entries.
// Entries must reference known components; unknown ones are skipped and
// left for the caller to reject.
func (t *ClusterTopology) WithMapping(entries []types.HostComponentEntry) *ClusterTopology {
	out := t.Clone()
	for _, s := range out.Services {
		for _, c := range s.Components {
			c.Hosts = sets.New[uint64]()
		}
	}
	for _, e := range entries {
		if c := out.Component(e.ComponentID); c != nil {
			c.Hosts.Insert(e.HostID)
		}
	}
	out.refreshUnmapped()
	return out
}

// WithDelta returns a copy with delta applied (remove first, then add)
func (t *ClusterTopology) WithDelta(delta *types.MappingDelta) *ClusterTopology {
	out := t.Clone()
	if delta == nil {
		return out
	}
	for componentID, hosts := range delta.Remove {
		if c := out.Component(componentID); c != nil {
			c.Hosts.Delete(hosts...)
		}
	}
	for componentID, hosts := range delta.Add {
		if c := out.Component(componentID); c != nil {
			c.Hosts.Insert(hosts...)
		}
	}
	out.refreshUnmapped()
	return out
}

// Entries returns the mapping as (host, component) pairs
func (t *ClusterTopology) Entries() []types.HostComponentEntry {
	edges := t.Edges()
	out := make([]types.HostComponentEntry, len(edges))
	for i, e := range edges {
		out[i] = types.HostComponentEntry{HostID: e.HostID, ComponentID: e.ComponentID}
	}
	return out
}

// DeltaTo computes the delta that turns t into other
func (t *ClusterTopology) DeltaTo(other *ClusterTopology) *types.MappingDelta {
	delta := &types.MappingDelta{Add: map[uint64][]uint64{}, Remove: map[uint64][]uint64{}}
	for id := range t.ComponentIDs.Union(other.ComponentIDs) {
		before, after := sets.New[uint64](), sets.New[uint64]()
		if c := t.Component(id); c != nil {
			before = c.Hosts
		}
		if c := other.Component(id); c != nil {
			after = c.Hosts
		}
		if added := after.Difference(before); added.Len() > 0 {
			delta.Add[id] = sets.List(added)
		}
		if removed := before.Difference(after); removed.Len() > 0 {
			delta.Remove[id] = sets.List(removed)
		}
	}
	return delta
}
