package topology

import (
	"k8s.io/apimachinery/pkg/util/sets"
)

// MappedDiff describes mapped hosts of the new topology
type MappedDiff struct {
	All     sets.Set[uint64]
	Added   sets.Set[uint64]
	Removed sets.Set[uint64]
}

// ComponentDiff lists hosts added to and removed from one component
type ComponentDiff struct {
	Added   sets.Set[uint64]
	Removed sets.Set[uint64]
}

// HostsDifference is the result of FindHostsDifference
type HostsDifference struct {
	Mapped     MappedDiff
	Unmapped   sets.Set[uint64]
	Components map[uint64]ComponentDiff // only components that changed
}

// Changed returns every host whose mapping changed
func (d *HostsDifference) Changed() sets.Set[uint64] {
	out := sets.New[uint64]()
	for _, c := range d.Components {
		out = out.Union(c.Added).Union(c.Removed)
	}
	return out
}

// FindHostsDifference compares the mapping of two snapshots of one cluster.
// Mapped.Added holds hosts that had no component before; Mapped.Removed
// holds hosts that lost their last component.
func FindHostsDifference(newT, oldT *ClusterTopology) *HostsDifference {
	newMapped := newT.MappedHosts()
	oldMapped := oldT.MappedHosts()

	d := &HostsDifference{
		Mapped: MappedDiff{
			All:     newMapped,
			Added:   newMapped.Difference(oldMapped),
			Removed: oldMapped.Difference(newMapped),
		},
		Unmapped:   sets.KeySet(newT.Hosts).Difference(newMapped),
		Components: map[uint64]ComponentDiff{},
	}

	for id := range newT.ComponentIDs.Union(oldT.ComponentIDs) {
		before, after := sets.New[uint64](), sets.New[uint64]()
		if c := oldT.Component(id); c != nil {
			before = c.Hosts
		}
		if c := newT.Component(id); c != nil {
			after = c.Hosts
		}
		diff := ComponentDiff{Added: after.Difference(before), Removed: before.Difference(after)}
		if diff.Added.Len() > 0 || diff.Removed.Len() > 0 {
			d.Components[id] = diff
		}
	}
	return d
}
