package types

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// SignatureStatus is the result of checking a bundle's detached signature
type SignatureStatus string

const (
	SignatureValid   SignatureStatus = "VALID"
	SignatureInvalid SignatureStatus = "INVALID"
	SignatureAbsent  SignatureStatus = "ABSENT"
)

// Bundle is a loaded product archive
type Bundle struct {
	ID           uint64          `json:"id"`
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Edition      string          `json:"edition"`
	Hash         string          `json:"hash"` // sha256 of archive content
	Signature    SignatureStatus `json:"signature_status"`
	VersionOrder int             `json:"version_order"`
	Description  string          `json:"description,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// RequireRef names a service, and optionally one of its components, that
// must be present for the declaring prototype to work
type RequireRef struct {
	Service   string `json:"service" yaml:"service" validate:"required"`
	Component string `json:"component,omitempty" yaml:"component,omitempty"`
}

// ComponentName is a (service, component) pair addressed by prototype names
type ComponentName struct {
	Service   string `json:"service" yaml:"service" validate:"required"`
	Component string `json:"component" yaml:"component" validate:"required"`
}

func (c ComponentName) String() string { return c.Service + "." + c.Component }

// FlagAutogeneration controls automatically raised flags
type FlagAutogeneration struct {
	EnableOutdatedConfig bool `json:"enable_outdated_config" yaml:"enable_outdated_config"`
}

// ImportSpec declares an import a cluster or service expects to be bound
type ImportSpec struct {
	Name      string `json:"name"`
	Required  bool   `json:"required"`
	Multibind bool   `json:"multibind"`
}

// Prototype is an immutable object definition loaded from a bundle
type Prototype struct {
	ID                       uint64             `json:"id"`
	BundleID                 uint64             `json:"bundle_id"`
	Type                     ObjectType         `json:"type"`
	Name                     string             `json:"name"`
	DisplayName              string             `json:"display_name"`
	Description              string             `json:"description,omitempty"`
	Version                  string             `json:"version"`
	VersionOrder             int                `json:"version_order"`
	ParentID                 uint64             `json:"parent_id,omitempty"`   // component -> service prototype
	ParentName               string             `json:"parent_name,omitempty"` // service prototype name of a component
	Config                   *ConfigSpec        `json:"config,omitempty"`
	Requires                 []RequireRef       `json:"requires,omitempty"`
	BoundTo                  *ComponentName     `json:"bound_to,omitempty"`
	Constraint               Constraint         `json:"constraint,omitempty"`
	Required                 bool               `json:"required"` // service must be added to the cluster
	Shared                   bool               `json:"shared"`
	Monitoring               string             `json:"monitoring"`
	AllowMaintenanceMode     bool               `json:"allow_maintenance_mode"`
	ConfigGroupCustomization bool               `json:"config_group_customization"`
	FlagAutogeneration       FlagAutogeneration `json:"flag_autogeneration"`
	Imports                  []ImportSpec       `json:"imports,omitempty"`
	Exports                  []string           `json:"exports,omitempty"`
}

// Constraint is a bundle mapping restriction such as [1,+], [0,1], [odd] or [+].
// An empty constraint means [0,+].
type Constraint []string

// ActionType distinguishes single-script jobs from multi-script tasks
type ActionType string

const (
	ActionTypeJob  ActionType = "job"
	ActionTypeTask ActionType = "task"
)

// ScriptType is the executor kind of a script
type ScriptType string

const (
	ScriptTypeAnsible  ScriptType = "ansible"
	ScriptTypePython   ScriptType = "python"
	ScriptTypeInternal ScriptType = "internal"
)

// BundleSwitchScript is the internal script that performs an upgrade
const BundleSwitchScript = "bundle_switch"

// StateList is either "any" or an explicit list of states
type StateList struct {
	Any    bool     `json:"any,omitempty"`
	Values []string `json:"values,omitempty"`
}

// AnyState returns a list matching every state
func AnyState() StateList { return StateList{Any: true} }

// States returns a list matching the given states
func States(values ...string) StateList { return StateList{Values: values} }

// Contains reports whether the list matches a single state
func (l StateList) Contains(state string) bool {
	return l.Any || slices.Contains(l.Values, state)
}

// Intersects reports whether any of the given tags is in the list
func (l StateList) Intersects(tags []string) bool {
	if l.Any {
		return true
	}
	for _, t := range tags {
		if slices.Contains(l.Values, t) {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the list matches nothing
func (l StateList) IsEmpty() bool {
	return !l.Any && len(l.Values) == 0
}

// StateMask restricts an action by state and multi-state
type StateMask struct {
	State      StateList `json:"state"`
	MultiState StateList `json:"multi_state"`
}

// Transition is applied to an object when an action finishes
type Transition struct {
	State           string   `json:"state,omitempty"`
	MultiStateSet   []string `json:"multi_state_set,omitempty"`
	MultiStateUnset []string `json:"multi_state_unset,omitempty"`
}

// IsZero reports whether the transition changes nothing
func (t Transition) IsZero() bool {
	return t.State == "" && len(t.MultiStateSet) == 0 && len(t.MultiStateUnset) == 0
}

// Apply mutates the object according to the transition
func (t Transition) Apply(o *Object) {
	if t.State != "" {
		o.State = t.State
	}
	for _, tag := range t.MultiStateSet {
		o.SetMultiState(tag)
	}
	for _, tag := range t.MultiStateUnset {
		o.UnsetMultiState(tag)
	}
}

// HcAclAction is the operation allowed by a hostcomponentmap rule
type HcAclAction string

const (
	HcAclAdd    HcAclAction = "add"
	HcAclRemove HcAclAction = "remove"
)

// HcAclRule allows an action to stage add or remove of hosts on one component
type HcAclRule struct {
	Service   string      `json:"service" yaml:"service" validate:"required"`
	Component string      `json:"component" yaml:"component" validate:"required"`
	Action    HcAclAction `json:"action" yaml:"action" validate:"oneof=add remove"`
}

// ScriptSpec is one step of an action
type ScriptSpec struct {
	Name                  string         `json:"name"`
	Script                string         `json:"script"`
	ScriptType            ScriptType     `json:"script_type"`
	StateOnFail           string         `json:"state_on_fail,omitempty"`
	MultiStateOnFailSet   []string       `json:"multi_state_on_fail_set,omitempty"`
	MultiStateOnFailUnset []string       `json:"multi_state_on_fail_unset,omitempty"`
	OnSuccess             Transition     `json:"on_success,omitempty"`
	AllowToTerminate      bool           `json:"allow_to_terminate"`
	Params                map[string]any `json:"params,omitempty"`
}

// OnFail returns the failure transition declared on the script
func (s ScriptSpec) OnFail() Transition {
	return Transition{
		State:           s.StateOnFail,
		MultiStateSet:   s.MultiStateOnFailSet,
		MultiStateUnset: s.MultiStateOnFailUnset,
	}
}

// IsBundleSwitch reports whether the script is the internal upgrade step
func (s ScriptSpec) IsBundleSwitch() bool {
	return s.ScriptType == ScriptTypeInternal && s.Script == BundleSwitchScript
}

// Action is an immutable operation defined on a prototype
type Action struct {
	ID                      uint64       `json:"id"`
	PrototypeID             uint64       `json:"prototype_id"`
	Name                    string       `json:"name"`
	DisplayName             string       `json:"display_name"`
	Description             string       `json:"description,omitempty"`
	Type                    ActionType   `json:"type"`
	Scripts                 []ScriptSpec `json:"scripts"`
	AvailableAt             StateMask    `json:"available_at"`
	UnavailableAt           StateMask    `json:"unavailable_at"`
	OnSuccess               Transition   `json:"on_success"`
	OnFail                  Transition   `json:"on_fail"`
	HostComponentMap        []HcAclRule  `json:"hostcomponentmap,omitempty"`
	HostAction              bool         `json:"host_action"`
	AllowForActionHostGroup bool         `json:"allow_for_action_host_group"`
	AllowInMaintenanceMode  bool         `json:"allow_in_maintenance_mode"`
	AllowToTerminate        bool         `json:"allow_to_terminate"`
	PartialExecution        bool         `json:"partial_execution"`
	Config                  *ConfigSpec  `json:"config,omitempty"`
	ConfigJinja             string       `json:"config_jinja,omitempty"`
	ScriptsJinja            string       `json:"scripts_jinja,omitempty"`
	UpgradeID               uint64       `json:"upgrade_id,omitempty"`
}

// IsHcAcl reports whether the action may stage mapping changes
func (a *Action) IsHcAcl() bool {
	return len(a.HostComponentMap) > 0
}

// IsUpgrade reports whether the action belongs to an upgrade
func (a *Action) IsUpgrade() bool {
	return a.UpgradeID != 0
}

// Validate checks the structural invariants of an action definition
func (a *Action) Validate() error {
	if a.HostAction && a.AllowForActionHostGroup {
		return fmt.Errorf("action %q: host_action and allow_for_action_host_group are mutually exclusive", a.Name)
	}

	switches := 0
	for _, s := range a.Scripts {
		if s.IsBundleSwitch() {
			switches++
		}
	}

	switch {
	case a.IsUpgrade() && switches != 1:
		return fmt.Errorf("action %q: upgrade must contain exactly one internal %s script, found %d",
			a.Name, BundleSwitchScript, switches)
	case !a.IsUpgrade() && switches > 0:
		return fmt.Errorf("action %q: %s script is allowed only in upgrades", a.Name, BundleSwitchScript)
	}

	if a.ScriptsJinja == "" && len(a.Scripts) == 0 {
		return errors.New("action " + a.Name + " has no scripts")
	}
	return nil
}

// Upgrade moves an object from an older bundle to the bundle declaring it
type Upgrade struct {
	ID             uint64    `json:"id"`
	BundleID       uint64    `json:"bundle_id"`
	Name           string    `json:"name"`
	DisplayName    string    `json:"display_name"`
	Description    string    `json:"description,omitempty"`
	MinVersion     string    `json:"min_version"`
	MaxVersion     string    `json:"max_version"`
	MinStrict      bool      `json:"min_strict"`
	MaxStrict      bool      `json:"max_strict"`
	FromEditions   []string  `json:"from_edition"`
	StateAvailable StateList `json:"state_available"`
	StateOnSuccess string    `json:"state_on_success,omitempty"`
	ActionID       uint64    `json:"action_id,omitempty"`
}

// BundleDefinitions is everything the Bundle Loader produces for one archive
type BundleDefinitions struct {
	Bundle     Bundle
	Prototypes []*Prototype
	Actions    map[string][]*Action // keyed by prototype key (see PrototypeKey)
	Upgrades   []*UpgradeDefinition
}

// UpgradeDefinition couples an upgrade with its optional action and the
// prototype it is declared on
type UpgradeDefinition struct {
	Upgrade      *Upgrade
	Action       *Action
	PrototypeKey string
}

// PrototypeKey identifies a prototype inside one bundle before ids exist
func PrototypeKey(t ObjectType, name, parent string) string {
	if parent != "" {
		return string(t) + ":" + parent + "." + name
	}
	return string(t) + ":" + name
}
