package config

import (
	"strings"

	"github.com/cuemby/stackman/pkg/types"
)

// Merge carries values of an old spec over to a new one. A parameter keeps
// its old value when the old spec has a parameter of compatible type at the
// same path, or at the path named by renamed_from; otherwise it gets the new
// default.
func Merge(oldSpec, newSpec *types.ConfigSpec, oldValues map[string]any, oldAttr map[string]types.GroupAttr) (map[string]any, map[string]types.GroupAttr) {
	values, attr := DefaultValues(newSpec)
	if oldSpec.IsEmpty() {
		return values, attr
	}
	for _, p := range newSpec.TopLevel() {
		if p.IsGroup() {
			if old := source(oldSpec, p); old != nil && old.IsGroup() && old.Activatable && p.Activatable {
				if a, ok := oldAttr[old.Name]; ok && a.Active != nil {
					active := *a.Active
					attr[p.Name] = types.GroupAttr{Active: &active}
				}
			}
			for _, child := range newSpec.Children(p.Name) {
				carry(oldSpec, child, oldValues, values)
			}
			continue
		}
		carry(oldSpec, p, oldValues, values)
	}
	return Clone(values), attr
}

// MergeSyncMask rebuilds a config host group sync mask for a new spec,
// keeping the flag of every carried parameter
func MergeSyncMask(oldSpec, newSpec *types.ConfigSpec, oldMask map[string]any) map[string]any {
	mask := FullSyncMask(newSpec)
	for i := range newSpec.Params {
		p := &newSpec.Params[i]
		if p.IsGroup() {
			continue
		}
		old := source(oldSpec, p)
		if old == nil || old.IsGroup() {
			continue
		}
		if synced, ok := Get(oldMask, old).(bool); ok {
			Set(mask, p, synced)
		}
	}
	return mask
}

func carry(oldSpec *types.ConfigSpec, p *types.ParamSpec, oldValues, values map[string]any) {
	old := source(oldSpec, p)
	if old == nil || !compatible(old.Type, p.Type) {
		return
	}
	v := Get(oldValues, old)
	if v == nil {
		return
	}
	Set(values, p, v)
}

func source(oldSpec *types.ConfigSpec, p *types.ParamSpec) *types.ParamSpec {
	if p.RenamedFrom != "" {
		name, sub, found := strings.Cut(p.RenamedFrom, "/")
		if !found && p.Subname != "" {
			name, sub = p.Name, p.RenamedFrom
		}
		if old := oldSpec.Find(name, sub); old != nil {
			return old
		}
	}
	return oldSpec.Find(p.Name, p.Subname)
}

func compatible(from, to types.ParamType) bool {
	if from == to {
		return true
	}
	plain := func(t types.ParamType) bool {
		return t == types.ParamString || t == types.ParamText
	}
	switch {
	case plain(from) && plain(to):
		return true
	case from == types.ParamInteger && to == types.ParamFloat:
		return true
	}
	return false
}

// FullSyncMask returns a sync mask following the owner for every parameter
func FullSyncMask(spec *types.ConfigSpec) map[string]any {
	mask := map[string]any{}
	for i := range spec.Params {
		p := &spec.Params[i]
		if p.IsGroup() {
			if _, ok := mask[p.Name]; !ok {
				mask[p.Name] = map[string]any{}
			}
			continue
		}
		Set(mask, p, true)
	}
	return mask
}

// Synced reports whether a parameter follows the owner value
func Synced(mask map[string]any, p *types.ParamSpec) bool {
	synced, ok := Get(mask, p).(bool)
	return !ok || synced
}
