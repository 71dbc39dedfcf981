package types

import "time"

// ConcernType is the kind of a concern
type ConcernType string

const (
	ConcernIssue ConcernType = "ISSUE"
	ConcernFlag  ConcernType = "FLAG"
	ConcernLock  ConcernType = "LOCK"
)

// ConcernCause explains why an issue exists
type ConcernCause string

const (
	CauseConfig        ConcernCause = "CONFIG"
	CauseImport        ConcernCause = "IMPORT"
	CauseService       ConcernCause = "SERVICE"
	CauseHC            ConcernCause = "HC"
	CauseRequirement   ConcernCause = "REQUIREMENT"
	CauseHostComponent ConcernCause = "HOST_COMPONENT"
	CauseJob           ConcernCause = "JOB"
	CauseNone          ConcernCause = ""
)

// OutdatedConfigFlag is raised when a config was edited and no action ran since
const OutdatedConfigFlag = "ADCM_OUTDATED_CONFIG"

// Placeholder names an object referenced from a reason message
type Placeholder struct {
	Type ObjectType `json:"type"`
	ID   uint64     `json:"id"`
	Name string     `json:"name"`
}

// Reason is the human readable explanation of a concern
type Reason struct {
	Message     string                 `json:"message"`
	Placeholder map[string]Placeholder `json:"placeholder,omitempty"`
}

// Concern is owned by one object and linked to many along the hierarchy
type Concern struct {
	ID        uint64       `json:"id"`
	Type      ConcernType  `json:"type"`
	Owner     ObjectRef    `json:"owner"`
	Name      string       `json:"name"`
	Cause     ConcernCause `json:"cause,omitempty"`
	Blocking  bool         `json:"blocking"`
	Reason    Reason       `json:"reason"`
	TaskID    uint64       `json:"task_id,omitempty"` // LOCK only
	CreatedAt time.Time    `json:"created_at"`
}
