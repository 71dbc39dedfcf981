package config

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/types"
)

// Mask replaces secret values for callers that may not read them
const Mask = "****"

func valueError(path, format string, args ...any) *errdefs.Error {
	msg := fmt.Sprintf(format, args...)
	if path != "" {
		msg = fmt.Sprintf("parameter %q: %s", path, msg)
	}
	return errdefs.New(errdefs.ConfigValueError, "%s", msg).WithArgs(map[string]any{"path": path})
}

// Normalize round-trips values through JSON so numbers become float64 and
// nested maps become map[string]any, matching what the store returns
func Normalize(values map[string]any) (map[string]any, error) {
	if values == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ConfigValueError, err, "config values are not serializable")
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errdefs.Wrap(errdefs.ConfigValueError, err, "config values are not serializable")
	}
	return out, nil
}

// Clone deep-copies values
func Clone(values map[string]any) map[string]any {
	out, err := Normalize(values)
	if err != nil {
		panic(errdefs.Fatal("stored config values are not serializable: %v", err))
	}
	return out
}

func cloneValue(v any) any {
	return Clone(map[string]any{"v": v})["v"]
}

// CloneAttr copies group attributes
func CloneAttr(attr map[string]types.GroupAttr) map[string]types.GroupAttr {
	out := make(map[string]types.GroupAttr, len(attr))
	for k, v := range attr {
		if v.Active != nil {
			active := *v.Active
			v.Active = &active
		}
		out[k] = v
	}
	return out
}

// Get returns the value of a parameter or nil
func Get(values map[string]any, p *types.ParamSpec) any {
	if p.Subname == "" {
		return values[p.Name]
	}
	group, _ := values[p.Name].(map[string]any)
	return group[p.Subname]
}

// Set stores the value of a parameter, creating the group map when needed
func Set(values map[string]any, p *types.ParamSpec, v any) {
	if p.Subname == "" {
		values[p.Name] = v
		return
	}
	group, ok := values[p.Name].(map[string]any)
	if !ok {
		group = map[string]any{}
		values[p.Name] = group
	}
	group[p.Subname] = v
}

// GroupActive reports whether a group's children are in effect
func GroupActive(p *types.ParamSpec, attr map[string]types.GroupAttr) bool {
	if !p.Activatable {
		return true
	}
	if a, ok := attr[p.Name]; ok && a.Active != nil {
		return *a.Active
	}
	return p.Active
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func isInteger(f float64) bool {
	return f == math.Trunc(f) && !math.IsInf(f, 0)
}

func jsonEqual(a, b any) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ra) == string(rb)
}

func isEmpty(p *types.ParamSpec, v any) bool {
	if v == nil {
		return true
	}
	switch p.Type {
	case types.ParamString, types.ParamPassword, types.ParamText, types.ParamSecretText,
		types.ParamFile, types.ParamSecretFile, types.ParamVariant:
		s, ok := v.(string)
		return ok && s == ""
	case types.ParamList:
		l, ok := v.([]any)
		return ok && len(l) == 0
	case types.ParamMap, types.ParamSecretMap:
		m, ok := v.(map[string]any)
		return ok && len(m) == 0
	}
	return false
}
