package bundle

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/types"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("objecttype", func(fl validator.FieldLevel) bool {
		switch types.ObjectType(fl.Field().String()) {
		case types.ObjectTypeCluster, types.ObjectTypeService, types.ObjectTypeProvider, types.ObjectTypeHost:
			return true
		}
		return false
	})
}

// stateList decodes either "any" or a list of states
type stateList types.StateList

func (s *stateList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value == "any" {
			*s = stateList(types.AnyState())
			return nil
		}
		*s = stateList(types.States(node.Value))
		return nil
	case yaml.SequenceNode:
		var values []string
		if err := node.Decode(&values); err != nil {
			return err
		}
		*s = stateList(types.States(values...))
		return nil
	}
	return fmt.Errorf("line %d: expected \"any\" or a list of states", node.Line)
}

// scalarList decodes a list whose items may be numbers or strings
type scalarList []string

func (l *scalarList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: expected a list", node.Line)
	}
	out := make([]string, 0, len(node.Content))
	for _, item := range node.Content {
		if item.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: expected a scalar", item.Line)
		}
		out = append(out, item.Value)
	}
	*l = out
	return nil
}

type dslMultiState struct {
	Set   []string `yaml:"set"`
	Unset []string `yaml:"unset"`
}

type dslTransition struct {
	State      string        `yaml:"state"`
	MultiState dslMultiState `yaml:"multi_state"`
}

func (t *dslTransition) build() types.Transition {
	if t == nil {
		return types.Transition{}
	}
	return types.Transition{State: t.State, MultiStateSet: t.MultiState.Set, MultiStateUnset: t.MultiState.Unset}
}

type dslMask struct {
	State      *stateList `yaml:"state"`
	MultiState *stateList `yaml:"multi_state"`
}

type dslMasking struct {
	Available   *dslMask `yaml:"available"`
	Unavailable *dslMask `yaml:"unavailable"`
}

type dslStates struct {
	Available *stateList `yaml:"available"`
	OnSuccess string     `yaml:"on_success"`
	OnFail    string     `yaml:"on_fail"`
}

type dslScript struct {
	Name             string         `yaml:"name" validate:"required"`
	Script           string         `yaml:"script" validate:"required"`
	ScriptType       string         `yaml:"script_type" validate:"required,oneof=ansible python internal"`
	Params           map[string]any `yaml:"params"`
	OnFail           *dslTransition `yaml:"on_fail"`
	OnSuccess        *dslTransition `yaml:"on_success"`
	StateOnFail      string         `yaml:"state_on_fail"`
	AllowToTerminate bool           `yaml:"allow_to_terminate"`
}

func (s dslScript) build() types.ScriptSpec {
	out := types.ScriptSpec{
		Name:             s.Name,
		Script:           s.Script,
		ScriptType:       types.ScriptType(s.ScriptType),
		StateOnFail:      s.StateOnFail,
		OnSuccess:        s.OnSuccess.build(),
		AllowToTerminate: s.AllowToTerminate,
		Params:           s.Params,
	}
	if s.OnFail != nil {
		out.StateOnFail = s.OnFail.State
		out.MultiStateOnFailSet = s.OnFail.MultiState.Set
		out.MultiStateOnFailUnset = s.OnFail.MultiState.Unset
	}
	return out
}

type dslAction struct {
	DisplayName             string            `yaml:"display_name"`
	Description             string            `yaml:"description"`
	Type                    string            `yaml:"type" validate:"required,oneof=job task"`
	Script                  string            `yaml:"script"`
	ScriptType              string            `yaml:"script_type" validate:"omitempty,oneof=ansible python internal"`
	Params                  map[string]any    `yaml:"params"`
	Scripts                 []dslScript       `yaml:"scripts" validate:"dive"`
	ScriptsJinja            string            `yaml:"scripts_jinja"`
	States                  *dslStates        `yaml:"states"`
	Masking                 *dslMasking       `yaml:"masking"`
	OnSuccess               *dslTransition    `yaml:"on_success"`
	OnFail                  *dslTransition    `yaml:"on_fail"`
	HcAcl                   []types.HcAclRule `yaml:"hc_acl" validate:"dive"`
	HostAction              bool              `yaml:"host_action"`
	AllowForActionHostGroup bool              `yaml:"allow_for_action_host_group"`
	AllowInMaintenanceMode  bool              `yaml:"allow_in_maintenance_mode"`
	AllowToTerminate        bool              `yaml:"allow_to_terminate"`
	PartialExecution        bool              `yaml:"partial_execution"`
	Config                  []dslParam        `yaml:"config"`
	ConfigJinja             string            `yaml:"config_jinja"`
}

type dslSource struct {
	Type   string         `yaml:"type" validate:"required,oneof=inline config builtin"`
	Strict *bool          `yaml:"strict"`
	Value  []any          `yaml:"value"`
	Name   string         `yaml:"name"`
	Args   map[string]any `yaml:"args"`
}

type dslUIOptions struct {
	Invisible bool `yaml:"invisible"`
	Advanced  bool `yaml:"advanced"`
}

type dslParam struct {
	Name               string         `yaml:"name" validate:"required"`
	DisplayName        string         `yaml:"display_name"`
	Description        string         `yaml:"description"`
	Type               string         `yaml:"type" validate:"required"`
	Required           *bool          `yaml:"required"`
	Default            any            `yaml:"default"`
	Min                *float64       `yaml:"min"`
	Max                *float64       `yaml:"max"`
	Pattern            string         `yaml:"pattern"`
	Option             map[string]any `yaml:"option"`
	Source             *dslSource     `yaml:"source"`
	YSpec              any            `yaml:"yspec"`
	UIOptions          dslUIOptions   `yaml:"ui_options"`
	GroupCustomization *bool          `yaml:"group_customization"`
	ReadOnly           *stateList     `yaml:"read_only"`
	Writable           *stateList     `yaml:"writable"`
	Activatable        bool           `yaml:"activatable"`
	Active             *bool          `yaml:"active"`
	RenamedFrom        string         `yaml:"renamed_from"`
	Subs               []dslParam     `yaml:"subs" validate:"dive"`
}

type dslImport struct {
	Required  bool `yaml:"required"`
	Multibind bool `yaml:"multibind"`
}

type dslVersions struct {
	Min       string `yaml:"min"`
	Max       string `yaml:"max"`
	MinStrict string `yaml:"min_strict"`
	MaxStrict string `yaml:"max_strict"`
}

type dslUpgrade struct {
	Name        string            `yaml:"name" validate:"required"`
	DisplayName string            `yaml:"display_name"`
	Description string            `yaml:"description"`
	Versions    dslVersions       `yaml:"versions"`
	FromEdition []string          `yaml:"from_edition"`
	States      *dslStates        `yaml:"states"`
	Scripts     []dslScript       `yaml:"scripts" validate:"dive"`
	Masking     *dslMasking       `yaml:"masking"`
	OnSuccess   *dslTransition    `yaml:"on_success"`
	OnFail      *dslTransition    `yaml:"on_fail"`
	HcAcl       []types.HcAclRule `yaml:"hc_acl" validate:"dive"`
	Config      []dslParam        `yaml:"config"`
}

type dslComponent struct {
	DisplayName              string                   `yaml:"display_name"`
	Description              string                   `yaml:"description"`
	Config                   []dslParam               `yaml:"config"`
	Actions                  map[string]dslAction     `yaml:"actions" validate:"dive"`
	Requires                 []types.RequireRef       `yaml:"requires" validate:"dive"`
	BoundTo                  *types.ComponentName     `yaml:"bound_to"`
	Constraint               scalarList               `yaml:"constraint"`
	Monitoring               string                   `yaml:"monitoring"`
	AllowMaintenanceMode     *bool                    `yaml:"allow_maintenance_mode"`
	ConfigGroupCustomization *bool                    `yaml:"config_group_customization"`
	FlagAutogeneration       types.FlagAutogeneration `yaml:"flag_autogeneration"`
}

// dslObject is one entry of a bundle config.yaml
type dslObject struct {
	Type                     string                   `yaml:"type" validate:"required,objecttype"`
	Name                     string                   `yaml:"name" validate:"required"`
	Version                  string                   `yaml:"version" validate:"required"`
	Edition                  string                   `yaml:"edition"`
	DisplayName              string                   `yaml:"display_name"`
	Description              string                   `yaml:"description"`
	Config                   []dslParam               `yaml:"config"`
	Actions                  map[string]dslAction     `yaml:"actions" validate:"dive"`
	Upgrade                  []dslUpgrade             `yaml:"upgrade" validate:"dive"`
	Components               map[string]dslComponent  `yaml:"components" validate:"dive"`
	Requires                 []types.RequireRef       `yaml:"requires" validate:"dive"`
	Required                 bool                     `yaml:"required"`
	Shared                   bool                     `yaml:"shared"`
	Monitoring               string                   `yaml:"monitoring"`
	AllowMaintenanceMode     *bool                    `yaml:"allow_maintenance_mode"`
	ConfigGroupCustomization *bool                    `yaml:"config_group_customization"`
	FlagAutogeneration       types.FlagAutogeneration `yaml:"flag_autogeneration"`
	Import                   map[string]dslImport     `yaml:"import"`
	Export                   []string                 `yaml:"export"`
}

func bundleErr(format string, args ...any) error {
	return errdefs.New(errdefs.BundleError, format, args...)
}

// ParseConfig converts a config DSL value (a list of parameters) into a spec
func ParseConfig(raw any) (*types.ConfigSpec, error) {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, bundleErr("config is not serializable: %v", err)
	}
	var params []dslParam
	if err := yaml.Unmarshal(data, &params); err != nil {
		return nil, bundleErr("invalid config definition: %v", err)
	}
	for _, p := range params {
		if err := validate.Struct(p); err != nil {
			return nil, bundleErr("invalid config parameter %q: %v", p.Name, err)
		}
	}
	return buildConfig(params, nil)
}

// ParseScripts converts a scripts DSL value into script specs
func ParseScripts(raw any) ([]types.ScriptSpec, error) {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, bundleErr("scripts are not serializable: %v", err)
	}
	var scripts []dslScript
	if err := yaml.Unmarshal(data, &scripts); err != nil {
		return nil, bundleErr("invalid scripts definition: %v", err)
	}
	out := make([]types.ScriptSpec, 0, len(scripts))
	for _, s := range scripts {
		if err := validate.Struct(s); err != nil {
			return nil, bundleErr("invalid script %q: %v", s.Name, err)
		}
		out = append(out, s.build())
	}
	if len(out) == 0 {
		return nil, bundleErr("scripts list is empty")
	}
	return out, nil
}

// yspecLoader resolves a yspec given as a file path inside the archive
type yspecLoader func(path string) (map[string]any, error)

func buildConfig(params []dslParam, loadYSpec yspecLoader) (*types.ConfigSpec, error) {
	if len(params) == 0 {
		return nil, nil
	}
	spec := &types.ConfigSpec{}
	for _, p := range params {
		top, err := buildParam(p, "", loadYSpec)
		if err != nil {
			return nil, err
		}
		spec.Params = append(spec.Params, top)
		if len(p.Subs) > 0 && p.Type != string(types.ParamGroup) {
			return nil, bundleErr("parameter %q has subs but is not a group", p.Name)
		}
		for _, sub := range p.Subs {
			if len(sub.Subs) > 0 {
				return nil, bundleErr("group %q: nested groups are not allowed", p.Name)
			}
			child, err := buildParam(sub, p.Name, loadYSpec)
			if err != nil {
				return nil, err
			}
			spec.Params = append(spec.Params, child)
		}
	}
	return spec, nil
}

func buildParam(p dslParam, group string, loadYSpec yspecLoader) (types.ParamSpec, error) {
	out := types.ParamSpec{
		Name:               p.Name,
		DisplayName:        p.DisplayName,
		Description:        p.Description,
		Type:               types.ParamType(p.Type),
		Required:           true,
		Default:            normalizeYAML(p.Default),
		UIOptions:          types.UIOptions{Invisible: p.UIOptions.Invisible, Advanced: p.UIOptions.Advanced},
		GroupCustomization: p.GroupCustomization,
		Activatable:        p.Activatable,
		RenamedFrom:        p.RenamedFrom,
		Limits: types.Limits{
			Min:     p.Min,
			Max:     p.Max,
			Pattern: p.Pattern,
			Option:  p.Option,
		},
	}
	if group != "" {
		out.Name, out.Subname = group, p.Name
	}
	if p.Required != nil {
		out.Required = *p.Required
	}
	if out.Type == types.ParamGroup || out.Type == types.ParamBoolean {
		out.Required = p.Required != nil && *p.Required
	}
	if p.Active != nil {
		out.Active = *p.Active
	}
	if p.ReadOnly != nil {
		out.ReadOnly = types.StateList(*p.ReadOnly)
	}
	if p.Writable != nil {
		w := types.StateList(*p.Writable)
		out.Writable = &w
	}
	if p.Source != nil {
		strict := true
		if p.Source.Strict != nil {
			strict = *p.Source.Strict
		}
		out.Limits.Source = &types.VariantSource{
			Type:   types.VariantSourceType(p.Source.Type),
			Strict: strict,
			Value:  p.Source.Value,
			Name:   p.Source.Name,
			Args:   p.Source.Args,
		}
	}

	switch ys := p.YSpec.(type) {
	case nil:
	case string:
		if loadYSpec == nil {
			return out, bundleErr("parameter %q: yspec file %q cannot be resolved here", out.Path(), ys)
		}
		schema, err := loadYSpec(ys)
		if err != nil {
			return out, err
		}
		out.Limits.YSpec = schema
	case map[string]any:
		out.Limits.YSpec = ys
	default:
		return out, bundleErr("parameter %q: yspec must be a file name or a mapping", out.Path())
	}
	return out, nil
}

// normalizeYAML turns yaml.v3 decoded values into JSON compatible ones
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	}
	return v
}

func buildMask(m *dslMask, fallback types.StateList) types.StateMask {
	out := types.StateMask{State: fallback, MultiState: fallback}
	if m == nil {
		return out
	}
	if m.State != nil {
		out.State = types.StateList(*m.State)
	}
	if m.MultiState != nil {
		out.MultiState = types.StateList(*m.MultiState)
	}
	return out
}

func buildAction(name string, a dslAction, loadYSpec yspecLoader, loadFile func(string) (string, error)) (*types.Action, error) {
	if err := validate.Struct(a); err != nil {
		return nil, bundleErr("action %q: %v", name, err)
	}
	out := &types.Action{
		Name:                    name,
		DisplayName:             a.DisplayName,
		Description:             a.Description,
		Type:                    types.ActionType(a.Type),
		HostComponentMap:        a.HcAcl,
		HostAction:              a.HostAction,
		AllowForActionHostGroup: a.AllowForActionHostGroup,
		AllowInMaintenanceMode:  a.AllowInMaintenanceMode,
		AllowToTerminate:        a.AllowToTerminate,
		PartialExecution:        a.PartialExecution,
		OnSuccess:               a.OnSuccess.build(),
		OnFail:                  a.OnFail.build(),
	}
	if out.DisplayName == "" {
		out.DisplayName = name
	}

	switch {
	case a.Masking != nil:
		if a.States != nil {
			return nil, bundleErr("action %q: states and masking are mutually exclusive", name)
		}
		out.AvailableAt = buildMask(a.Masking.Available, types.AnyState())
		out.UnavailableAt = buildMask(a.Masking.Unavailable, types.StateList{})
	case a.States != nil:
		out.AvailableAt = types.StateMask{State: types.AnyState(), MultiState: types.AnyState()}
		if a.States.Available != nil {
			out.AvailableAt.State = types.StateList(*a.States.Available)
		}
		if a.States.OnSuccess != "" {
			out.OnSuccess.State = a.States.OnSuccess
		}
		if a.States.OnFail != "" {
			out.OnFail.State = a.States.OnFail
		}
	default:
		out.AvailableAt = types.StateMask{State: types.AnyState(), MultiState: types.AnyState()}
	}

	switch types.ActionType(a.Type) {
	case types.ActionTypeJob:
		if a.Script == "" && a.ScriptsJinja == "" {
			return nil, bundleErr("action %q: job needs a script", name)
		}
		if a.Script != "" {
			scriptType := a.ScriptType
			if scriptType == "" {
				scriptType = string(types.ScriptTypeAnsible)
			}
			out.Scripts = []types.ScriptSpec{{
				Name:             name,
				Script:           a.Script,
				ScriptType:       types.ScriptType(scriptType),
				Params:           a.Params,
				AllowToTerminate: a.AllowToTerminate,
			}}
		}
	case types.ActionTypeTask:
		for _, s := range a.Scripts {
			out.Scripts = append(out.Scripts, s.build())
		}
	}

	if a.ScriptsJinja != "" {
		text, err := loadFile(a.ScriptsJinja)
		if err != nil {
			return nil, bundleErr("action %q: %v", name, err)
		}
		out.ScriptsJinja = text
		out.Scripts = nil
	}
	if a.ConfigJinja != "" {
		if len(a.Config) > 0 {
			return nil, bundleErr("action %q: config and config_jinja are mutually exclusive", name)
		}
		text, err := loadFile(a.ConfigJinja)
		if err != nil {
			return nil, bundleErr("action %q: %v", name, err)
		}
		out.ConfigJinja = text
	}
	cfg, err := buildConfig(a.Config, loadYSpec)
	if err != nil {
		return nil, err
	}
	out.Config = cfg
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isTrue(b *bool, fallback bool) bool {
	if b == nil {
		return fallback
	}
	return *b
}

func normalizeVersion(v string) string {
	return strings.TrimSpace(v)
}
