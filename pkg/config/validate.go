package config

import (
	"regexp"
	"slices"

	"github.com/cuemby/stackman/pkg/types"
)

// Options tunes CheckValues
type Options struct {
	// State of the owner; read-only parameters are enforced against Previous
	State    string
	Previous map[string]any
	// Variants resolves builtin variant sources; nil skips strict builtin checks
	Variants VariantResolver
	// Defaults relaxes required checks, used for bundle-declared defaults
	Defaults bool
}

// CheckValues validates a full set of values against a spec. Values must be
// normalized (see Normalize). The returned error is CONFIG_VALUE_ERROR with
// the parameter path in its args.
func CheckValues(spec *types.ConfigSpec, values map[string]any, attr map[string]types.GroupAttr, opts Options) error {
	if spec.IsEmpty() {
		if len(values) > 0 {
			return valueError("", "object has no config")
		}
		return nil
	}

	for key, v := range values {
		p := spec.Find(key, "")
		if p == nil {
			return valueError(key, "unknown parameter")
		}
		if !p.IsGroup() {
			continue
		}
		if v == nil {
			continue
		}
		group, ok := v.(map[string]any)
		if !ok {
			return valueError(key, "group value must be a map")
		}
		for sub := range group {
			if spec.Find(key, sub) == nil {
				return valueError(key+"/"+sub, "unknown parameter")
			}
		}
	}
	for key := range attr {
		p := spec.Find(key, "")
		if p == nil || !p.IsGroup() || !p.Activatable {
			return valueError(key, "attr is allowed only for activatable groups")
		}
	}

	c := checker{values: values, opts: opts}
	for _, p := range spec.TopLevel() {
		if !p.IsGroup() {
			if err := c.check(p, true); err != nil {
				return err
			}
			continue
		}
		active := GroupActive(p, attr)
		for _, child := range spec.Children(p.Name) {
			if err := c.check(child, active); err != nil {
				return err
			}
		}
	}
	return nil
}

// MissingRequired lists required parameters without a value, skipping
// children of inactive groups
func MissingRequired(spec *types.ConfigSpec, values map[string]any, attr map[string]types.GroupAttr) []string {
	var out []string
	for _, p := range spec.TopLevel() {
		if !p.IsGroup() {
			if p.Required && isEmpty(p, values[p.Name]) {
				out = append(out, p.Path())
			}
			continue
		}
		if !GroupActive(p, attr) {
			continue
		}
		for _, child := range spec.Children(p.Name) {
			if child.Required && isEmpty(child, Get(values, child)) {
				out = append(out, child.Path())
			}
		}
	}
	return out
}

type checker struct {
	values map[string]any
	opts   Options
}

func (c checker) check(p *types.ParamSpec, active bool) error {
	v := Get(c.values, p)
	path := p.Path()

	if c.opts.Previous != nil && p.IsReadOnlyAt(c.opts.State) {
		if !jsonEqual(v, Get(c.opts.Previous, p)) {
			return valueError(path, "read-only in state %q", c.opts.State)
		}
	}

	if isEmpty(p, v) {
		if p.Required && active && !c.opts.Defaults {
			return valueError(path, "value is required")
		}
		return nil
	}
	return c.checkType(p, v, path)
}

func (c checker) checkType(p *types.ParamSpec, v any, path string) error {
	switch p.Type {
	case types.ParamString, types.ParamPassword, types.ParamText, types.ParamSecretText,
		types.ParamFile, types.ParamSecretFile:
		s, ok := v.(string)
		if !ok {
			return valueError(path, "expected string")
		}
		if p.Limits.Pattern != "" {
			re, err := regexp.Compile(p.Limits.Pattern)
			if err != nil {
				return valueError(path, "invalid pattern %q: %v", p.Limits.Pattern, err)
			}
			if !re.MatchString(s) {
				return valueError(path, "value does not match pattern %q", p.Limits.Pattern)
			}
		}

	case types.ParamInteger, types.ParamFloat:
		f, ok := toFloat(v)
		if !ok {
			return valueError(path, "expected number")
		}
		if p.Type == types.ParamInteger && !isInteger(f) {
			return valueError(path, "expected integer")
		}
		if p.Limits.Min != nil && f < *p.Limits.Min {
			return valueError(path, "value %v is less than min %v", f, *p.Limits.Min)
		}
		if p.Limits.Max != nil && f > *p.Limits.Max {
			return valueError(path, "value %v is greater than max %v", f, *p.Limits.Max)
		}

	case types.ParamBoolean:
		if _, ok := v.(bool); !ok {
			return valueError(path, "expected boolean")
		}

	case types.ParamJSON:

	case types.ParamList:
		list, ok := v.([]any)
		if !ok {
			return valueError(path, "expected list")
		}
		for _, item := range list {
			if _, ok := item.(string); !ok {
				return valueError(path, "list items must be strings")
			}
		}

	case types.ParamMap, types.ParamSecretMap:
		m, ok := v.(map[string]any)
		if !ok {
			return valueError(path, "expected map")
		}
		for k, item := range m {
			if _, ok := item.(string); !ok {
				return valueError(path, "map value of %q must be a string", k)
			}
		}

	case types.ParamOption:
		for _, allowed := range p.Limits.Option {
			if jsonEqual(allowed, v) {
				return nil
			}
		}
		return valueError(path, "value %v is not one of the options", v)

	case types.ParamVariant:
		s, ok := v.(string)
		if !ok {
			return valueError(path, "expected string")
		}
		if p.Limits.Source == nil || !p.Limits.Source.Strict {
			return nil
		}
		choices, resolved, err := variantChoices(p, c.values, c.opts.Variants)
		if err != nil {
			return valueError(path, "%v", err)
		}
		if resolved && !slices.Contains(choices, s) {
			return valueError(path, "value %q is not one of %v", s, choices)
		}

	case types.ParamStructure:
		schema, err := ParseYSpec(p.Limits.YSpec)
		if err != nil {
			return valueError(path, "invalid yspec: %v", err)
		}
		if err := schema.Validate(v); err != nil {
			return valueError(path, "%v", err)
		}

	case types.ParamGroup:
		return valueError(path, "groups cannot be nested")

	default:
		return valueError(path, "unknown type %q", p.Type)
	}
	return nil
}
