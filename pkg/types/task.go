package types

import "time"

// TaskStatus is the lifecycle state of a task or job
type TaskStatus string

const (
	TaskStatusCreated TaskStatus = "CREATED"
	TaskStatusRunning TaskStatus = "RUNNING"
	TaskStatusSuccess TaskStatus = "SUCCESS"
	TaskStatusFailed  TaskStatus = "FAILED"
	TaskStatusAborted TaskStatus = "ABORTED"
)

// IsTerminal reports whether no further transitions are possible
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSuccess, TaskStatusFailed, TaskStatusAborted:
		return true
	}
	return false
}

// CanTransition reports whether CREATED -> RUNNING -> terminal allows the move
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	switch s {
	case TaskStatusCreated:
		return to == TaskStatusRunning
	case TaskStatusRunning:
		return to.IsTerminal()
	}
	return false
}

// Task is one run of an action against an owner object
type Task struct {
	ID                uint64               `json:"id"`
	ActionID          uint64               `json:"action_id"`
	Owner             ObjectRef            `json:"owner"`
	ActionHostGroupID uint64               `json:"action_host_group_id,omitempty"`
	Status            TaskStatus           `json:"status"`
	Config            map[string]any       `json:"config,omitempty"` // sealed
	ConfigSpec        *ConfigSpec          `json:"config_spec,omitempty"`
	Attr              map[string]GroupAttr `json:"attr,omitempty"`
	MappingDelta      *MappingDelta        `json:"mapping_delta,omitempty"`
	LockID            uint64               `json:"lock_id,omitempty"`
	UpgradeID         uint64               `json:"upgrade_id,omitempty"`
	Scripts           []ScriptSpec         `json:"scripts"` // rendered at launch
	ActionName        string               `json:"action_name"`
	Verbose           bool                 `json:"verbose"`
	User              string               `json:"user,omitempty"`
	CancelRequested   bool                 `json:"cancel_requested"`
	CreatedAt         time.Time            `json:"created_at"`
	StartedAt         time.Time            `json:"started_at,omitempty"`
	FinishedAt        time.Time            `json:"finished_at,omitempty"`
}

// Job is the execution record of one script of a task
type Job struct {
	ID          uint64     `json:"id"`
	TaskID      uint64     `json:"task_id"`
	ScriptIndex int        `json:"script_index"`
	Name        string     `json:"name"`
	Status      TaskStatus `json:"status"`
	ExitCode    int        `json:"exit_code"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	FinishedAt  time.Time  `json:"finished_at,omitempty"`
}

// TaskSpec is what the Job Runner receives for execution
type TaskSpec struct {
	TaskID         uint64         `json:"task_id"`
	OwnerChain     []ObjectRef    `json:"owner_id_chain"`
	ActionName     string         `json:"action_name"`
	Scripts        []ScriptRun    `json:"scripts"`
	Inventory      Inventory      `json:"inventory"`
	StagedDelta    *StagedDelta   `json:"staged_delta,omitempty"`
	ConfigSnapshot map[string]any `json:"config_snapshot,omitempty"`
	Verbose        bool           `json:"verbose"`
}

// ScriptRun is one script as handed to the runner
type ScriptRun struct {
	Name             string         `json:"name"`
	Script           string         `json:"script"`
	ScriptType       ScriptType     `json:"script_type"`
	AllowToTerminate bool           `json:"allow_to_terminate"`
	Params           map[string]any `json:"params,omitempty"`
}

// StagedDelta lists hosts being added or removed by an hc_acl action,
// keyed by "<service>.<component>" with host names as values
type StagedDelta struct {
	Added   map[string][]string `json:"added,omitempty"`
	Removed map[string][]string `json:"removed,omitempty"`
}

// InventoryHost is one host entry of an inventory group
type InventoryHost struct {
	AdcmHostID uint64   `json:"adcm_hostid"`
	State      string   `json:"state"`
	MultiState []string `json:"multi_state"`
}

// InventoryGroup is a named host group of the inventory
type InventoryGroup struct {
	Hosts map[string]InventoryHost `json:"hosts"`
}

// Inventory is the topology snapshot handed to scripts
type Inventory struct {
	Groups map[string]InventoryGroup `json:"groups"`
	Vars   map[string]any            `json:"vars"`
}
