package config

import (
	"fmt"
	"regexp"

	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/types"
)

// DefaultValues builds the initial values and group attributes of a spec
func DefaultValues(spec *types.ConfigSpec) (map[string]any, map[string]types.GroupAttr) {
	values := map[string]any{}
	attr := map[string]types.GroupAttr{}
	for _, p := range spec.TopLevel() {
		if !p.IsGroup() {
			values[p.Name] = p.Default
			continue
		}
		group := map[string]any{}
		for _, child := range spec.Children(p.Name) {
			group[child.Subname] = child.Default
		}
		values[p.Name] = group
		if p.Activatable {
			active := p.Active
			attr[p.Name] = types.GroupAttr{Active: &active}
		}
	}
	return Clone(values), attr
}

// CheckDefaults validates the structure of a spec and its declared defaults.
// The bundle loader rejects bundles failing it with BUNDLE_ERROR.
func CheckDefaults(spec *types.ConfigSpec) error {
	if spec.IsEmpty() {
		return nil
	}
	seen := map[string]bool{}
	for i := range spec.Params {
		p := &spec.Params[i]
		if p.Name == "" {
			return bundleError(p, "parameter without name")
		}
		if seen[p.Path()] {
			return bundleError(p, "duplicate parameter")
		}
		seen[p.Path()] = true

		if p.Subname != "" {
			parent := spec.Find(p.Name, "")
			if parent == nil || !parent.IsGroup() {
				return bundleError(p, "sub-parameter of %q which is not a group", p.Name)
			}
			if p.IsGroup() {
				return bundleError(p, "groups cannot be nested")
			}
		}
		if err := checkLimits(p); err != nil {
			return err
		}
	}

	values, attr := DefaultValues(spec)
	if err := CheckValues(spec, values, attr, Options{Defaults: true}); err != nil {
		return errdefs.Wrap(errdefs.BundleError, err, "invalid default value")
	}
	return nil
}

func checkLimits(p *types.ParamSpec) error {
	l := p.Limits
	if l.Min != nil && l.Max != nil && *l.Min > *l.Max {
		return bundleError(p, "min %v is greater than max %v", *l.Min, *l.Max)
	}
	if l.Pattern != "" {
		if _, err := regexp.Compile(l.Pattern); err != nil {
			return bundleError(p, "invalid pattern: %v", err)
		}
	}
	switch p.Type {
	case types.ParamOption:
		if len(l.Option) == 0 {
			return bundleError(p, "option parameter without options")
		}
	case types.ParamVariant:
		if l.Source == nil {
			return bundleError(p, "variant parameter without source")
		}
		switch l.Source.Type {
		case types.VariantInline, types.VariantConfig, types.VariantBuiltin:
		default:
			return bundleError(p, "unknown variant source type %q", l.Source.Type)
		}
		if l.Source.Type != types.VariantInline && l.Source.Name == "" {
			return bundleError(p, "variant source %q requires name", l.Source.Type)
		}
	case types.ParamStructure:
		if _, err := ParseYSpec(l.YSpec); err != nil {
			return bundleError(p, "invalid yspec: %v", err)
		}
	case types.ParamString, types.ParamPassword, types.ParamText, types.ParamSecretText,
		types.ParamInteger, types.ParamFloat, types.ParamBoolean, types.ParamJSON, types.ParamList,
		types.ParamMap, types.ParamSecretMap, types.ParamFile, types.ParamSecretFile, types.ParamGroup:
	default:
		return bundleError(p, "unknown type %q", p.Type)
	}
	return nil
}

func bundleError(p *types.ParamSpec, format string, args ...any) error {
	return errdefs.New(errdefs.BundleError, "config parameter %q: %s", p.Path(), fmt.Sprintf(format, args...))
}
