package bundle

import (
	"fmt"
	"sort"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/types"
)

// CompareVersions orders two bundle versions. Versions that parse as
// (tolerant) semver compare semantically; anything else compares lexically
// after the parsable ones.
func CompareVersions(a, b string) int {
	va, errA := semver.ParseTolerant(a)
	vb, errB := semver.ParseTolerant(b)
	switch {
	case errA == nil && errB == nil:
		return va.Compare(vb)
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	}
	return strings.Compare(a, b)
}

// rank assigns dense 1-based positions to versions, equal versions sharing one
func rank(versions []string) map[string]int {
	uniq := make([]string, 0, len(versions))
	seen := map[string]bool{}
	for _, v := range versions {
		if !seen[v] {
			seen[v] = true
			uniq = append(uniq, v)
		}
	}
	sort.SliceStable(uniq, func(i, j int) bool { return CompareVersions(uniq[i], uniq[j]) < 0 })

	out := make(map[string]int, len(uniq))
	order := 0
	for i, v := range uniq {
		if i == 0 || CompareVersions(uniq[i-1], v) != 0 {
			order++
		}
		out[v] = order
	}
	return out
}

// Reorder renumbers version_order of every bundle sharing a name and every
// prototype sharing (type, name)
func Reorder(tx storage.Tx) error {
	bundles, err := tx.ListBundles()
	if err != nil {
		return fmt.Errorf("failed to list bundles: %w", err)
	}
	byName := map[string][]*types.Bundle{}
	for _, b := range bundles {
		byName[b.Name] = append(byName[b.Name], b)
	}
	for _, group := range byName {
		versions := make([]string, len(group))
		for i, b := range group {
			versions[i] = b.Version
		}
		ranks := rank(versions)
		for _, b := range group {
			if b.VersionOrder == ranks[b.Version] {
				continue
			}
			b.VersionOrder = ranks[b.Version]
			if err := tx.UpdateBundle(b); err != nil {
				return fmt.Errorf("failed to update bundle %d: %w", b.ID, err)
			}
		}
	}

	protos, err := tx.ListPrototypes(storage.PrototypeFilter{})
	if err != nil {
		return fmt.Errorf("failed to list prototypes: %w", err)
	}
	type protoKey struct {
		kind   types.ObjectType
		name   string
		parent string
	}
	protoGroups := map[protoKey][]*types.Prototype{}
	for _, p := range protos {
		k := protoKey{p.Type, p.Name, p.ParentName}
		protoGroups[k] = append(protoGroups[k], p)
	}
	for _, group := range protoGroups {
		versions := make([]string, len(group))
		for i, p := range group {
			versions[i] = p.Version
		}
		ranks := rank(versions)
		for _, p := range group {
			if p.VersionOrder == ranks[p.Version] {
				continue
			}
			p.VersionOrder = ranks[p.Version]
			if err := tx.UpdatePrototype(p); err != nil {
				return fmt.Errorf("failed to update prototype %d: %w", p.ID, err)
			}
		}
	}
	return nil
}
