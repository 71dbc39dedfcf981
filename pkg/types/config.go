package types

import (
	"time"
)

// ParamType is the type of a configuration parameter
type ParamType string

const (
	ParamString     ParamType = "string"
	ParamPassword   ParamType = "password"
	ParamText       ParamType = "text"
	ParamSecretText ParamType = "secrettext"
	ParamInteger    ParamType = "integer"
	ParamFloat      ParamType = "float"
	ParamBoolean    ParamType = "boolean"
	ParamJSON       ParamType = "json"
	ParamList       ParamType = "list"
	ParamMap        ParamType = "map"
	ParamSecretMap  ParamType = "secretmap"
	ParamFile       ParamType = "file"
	ParamSecretFile ParamType = "secretfile"
	ParamOption     ParamType = "option"
	ParamVariant    ParamType = "variant"
	ParamStructure  ParamType = "structure"
	ParamGroup      ParamType = "group"
)

// IsSecret reports whether values of the type are encrypted at rest
func (t ParamType) IsSecret() bool {
	switch t {
	case ParamPassword, ParamSecretText, ParamSecretFile, ParamSecretMap:
		return true
	}
	return false
}

// VariantSourceType selects where a variant parameter takes its choices from
type VariantSourceType string

const (
	VariantInline  VariantSourceType = "inline"
	VariantConfig  VariantSourceType = "config"
	VariantBuiltin VariantSourceType = "builtin"
)

// VariantSource describes the list of allowed values of a variant parameter
type VariantSource struct {
	Type   VariantSourceType `json:"type"`
	Strict bool              `json:"strict"`
	Value  []any             `json:"value,omitempty"` // inline values
	Name   string            `json:"name,omitempty"`  // config param path or builtin function
	Args   map[string]any    `json:"args,omitempty"`
}

// Limits restricts the values a parameter may take
type Limits struct {
	Min     *float64       `json:"min,omitempty"`
	Max     *float64       `json:"max,omitempty"`
	Pattern string         `json:"pattern,omitempty"`
	Option  map[string]any `json:"option,omitempty"` // label -> value
	Source  *VariantSource `json:"source,omitempty"`
	YSpec   map[string]any `json:"yspec,omitempty"`
}

// UIOptions are presentation hints
type UIOptions struct {
	Invisible bool `json:"invisible,omitempty"`
	Advanced  bool `json:"advanced,omitempty"`
}

// ParamSpec is one parameter of a ConfigSpec, keyed by (Name, Subname).
// Children of a group carry the group name in Name and their own in Subname.
type ParamSpec struct {
	Name               string     `json:"name"`
	Subname            string     `json:"subname,omitempty"`
	DisplayName        string     `json:"display_name,omitempty"`
	Description        string     `json:"description,omitempty"`
	Type               ParamType  `json:"type"`
	Required           bool       `json:"required"`
	Default            any        `json:"default,omitempty"`
	Limits             Limits     `json:"limits"`
	UIOptions          UIOptions  `json:"ui_options"`
	GroupCustomization *bool      `json:"group_customization,omitempty"`
	ReadOnly           StateList  `json:"read_only"`
	Writable           *StateList `json:"writable,omitempty"`
	Activatable        bool       `json:"activatable,omitempty"` // groups only
	Active             bool       `json:"active,omitempty"`      // initial active flag of an activatable group
	RenamedFrom        string     `json:"renamed_from,omitempty"`
}

// Path returns the "name" or "name/subname" key of the parameter
func (p *ParamSpec) Path() string {
	if p.Subname == "" {
		return p.Name
	}
	return p.Name + "/" + p.Subname
}

// IsGroup reports whether the parameter is a group of sub-parameters
func (p *ParamSpec) IsGroup() bool {
	return p.Type == ParamGroup
}

// IsReadOnlyAt reports whether the value may not be changed in the given state
func (p *ParamSpec) IsReadOnlyAt(state string) bool {
	if p.Writable != nil {
		return !p.Writable.Contains(state)
	}
	return p.ReadOnly.Contains(state)
}

// ConfigSpec is the configuration schema of a prototype or action
type ConfigSpec struct {
	Params []ParamSpec `json:"params"`
}

// Find returns the parameter with the given key or nil
func (c *ConfigSpec) Find(name, subname string) *ParamSpec {
	if c == nil {
		return nil
	}
	for i := range c.Params {
		if c.Params[i].Name == name && c.Params[i].Subname == subname {
			return &c.Params[i]
		}
	}
	return nil
}

// TopLevel returns parameters without a subname, in declaration order
func (c *ConfigSpec) TopLevel() []*ParamSpec {
	if c == nil {
		return nil
	}
	var out []*ParamSpec
	for i := range c.Params {
		if c.Params[i].Subname == "" {
			out = append(out, &c.Params[i])
		}
	}
	return out
}

// Children returns the sub-parameters of a group
func (c *ConfigSpec) Children(group string) []*ParamSpec {
	if c == nil {
		return nil
	}
	var out []*ParamSpec
	for i := range c.Params {
		if c.Params[i].Name == group && c.Params[i].Subname != "" {
			out = append(out, &c.Params[i])
		}
	}
	return out
}

// IsEmpty reports whether the spec declares no parameters
func (c *ConfigSpec) IsEmpty() bool {
	return c == nil || len(c.Params) == 0
}

// GroupAttr holds per-group attributes of a stored config
type GroupAttr struct {
	Active *bool `json:"active,omitempty"`
}

// ConfigLog is one stored revision of an object's or host group's config
type ConfigLog struct {
	ID          uint64               `json:"id"`
	Owner       ObjectRef            `json:"owner"`
	GroupID     uint64               `json:"group_id,omitempty"` // set when owned by a config host group
	Values      map[string]any       `json:"values"`
	Attr        map[string]GroupAttr `json:"attr,omitempty"`
	Description string               `json:"description,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
}

// ConfigHostGroup overrides part of an object's config for a set of hosts
type ConfigHostGroup struct {
	ID          uint64         `json:"id"`
	Owner       ObjectRef      `json:"owner"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	HostIDs     []uint64       `json:"host_ids"`
	ConfigID    uint64         `json:"config_id"`
	SyncMask    map[string]any `json:"sync_mask"` // mirrors values; true follows the owner
	CreatedAt   time.Time      `json:"created_at"`
}

// ActionHostGroup is a named host subset actions may be launched on
type ActionHostGroup struct {
	ID          uint64    `json:"id"`
	Owner       ObjectRef `json:"owner"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	HostIDs     []uint64  `json:"host_ids"`
	CreatedAt   time.Time `json:"created_at"`
}
