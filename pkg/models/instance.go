package models

import "time"

// InstanceStatus represents the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusWaiting   InstanceStatus = "waiting"
	InstanceStatusPaused    InstanceStatus = "paused"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// validTransitions encodes the instance state machine. Terminal states have
// no outgoing transitions.
var validTransitions = map[InstanceStatus][]InstanceStatus{
	InstanceStatusRunning: {
		InstanceStatusWaiting,
		InstanceStatusPaused,
		InstanceStatusCompleted,
		InstanceStatusFailed,
		InstanceStatusCancelled,
	},
	InstanceStatusWaiting: {
		InstanceStatusRunning,
		InstanceStatusFailed,
		InstanceStatusCancelled,
	},
	InstanceStatusPaused: {
		InstanceStatusRunning,
		InstanceStatusCancelled,
	},
}

// CanTransitionTo reports whether the state machine allows moving to next.
func (s InstanceStatus) CanTransitionTo(next InstanceStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s InstanceStatus) IsTerminal() bool {
	return len(validTransitions[s]) == 0
}

// TriggerInfo records what started an instance.
type TriggerInfo struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Instance is one running execution of a workflow definition. Terminal
// instances are immutable.
type Instance struct {
	ID            string            `json:"id"            validate:"required"`
	DefinitionID  string            `json:"definition_id" validate:"required"`
	Status        InstanceStatus    `json:"status"        validate:"required"`
	CurrentNodeID string            `json:"current_node_id"`
	Context       *ExecutionContext `json:"context,omitempty"`
	TriggeredBy   string            `json:"triggered_by,omitempty"`
	Trigger       TriggerInfo       `json:"trigger"`
	StartedAt     time.Time         `json:"started_at"`
	PausedAt      *time.Time        `json:"paused_at,omitempty"`
	ResumedAt     *time.Time        `json:"resumed_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	FailedAt      *time.Time        `json:"failed_at,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	ErrorDetail   map[string]any    `json:"error_detail,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Duration returns total execution time for completed instances, or the time
// elapsed since start otherwise.
func (i *Instance) Duration() time.Duration {
	if i.CompletedAt != nil {
		return i.CompletedAt.Sub(i.StartedAt)
	}

	return time.Since(i.StartedAt)
}
