// Package events defines the lifecycle event types emitted by the engine and
// dispatcher for observers.
package events

import "time"

type EventType string

// Kafka topic for engine lifecycle events.
const Topic = "pathrun.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	WorkflowCompletedEvent EventType = "workflow.completed"
	WorkflowFailedEvent    EventType = "workflow.failed"
	WorkflowCancelledEvent EventType = "workflow.cancelled"
	WorkflowWaitingEvent   EventType = "workflow.waiting"
	WorkflowResumedEvent   EventType = "workflow.resumed"

	ApprovalRequiredEvent  EventType = "approval.required"
	ApprovalEscalatedEvent EventType = "approval.escalated"

	ReminderDueEvent EventType = "workflow.reminder"

	ActionSucceededEvent EventType = "action.success"
	ActionFailedEvent    EventType = "action.failed"
)

type BaseEvent struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	InstanceID string    `json:"instance_id"`
}

type WorkflowCompleted struct {
	BaseEvent

	DefinitionID string         `json:"definition_id"`
	Result       map[string]any `json:"result,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
}

func (e WorkflowCompleted) GetType() EventType {
	return WorkflowCompletedEvent
}

type WorkflowFailed struct {
	BaseEvent

	DefinitionID string `json:"definition_id"`
	NodeID       string `json:"node_id,omitempty"`
	Error        string `json:"error"`
}

func (e WorkflowFailed) GetType() EventType {
	return WorkflowFailedEvent
}

type WorkflowCancelled struct {
	BaseEvent

	DefinitionID string `json:"definition_id"`
	NodeID       string `json:"node_id,omitempty"`
}

func (e WorkflowCancelled) GetType() EventType {
	return WorkflowCancelledEvent
}

// WorkflowWaiting fires when an instance suspends at a wait or approval node.
type WorkflowWaiting struct {
	BaseEvent

	NodeID string `json:"node_id"`
	Reason string `json:"reason"`
}

func (e WorkflowWaiting) GetType() EventType {
	return WorkflowWaitingEvent
}

type WorkflowResumed struct {
	BaseEvent

	NodeID string `json:"node_id"`
}

func (e WorkflowResumed) GetType() EventType {
	return WorkflowResumedEvent
}

type ApprovalRequired struct {
	BaseEvent

	NodeID    string   `json:"node_id"`
	Approvers []string `json:"approvers,omitempty"`
}

func (e ApprovalRequired) GetType() EventType {
	return ApprovalRequiredEvent
}

// ApprovalEscalated fires when an approval stayed pending past the node's
// escalation window.
type ApprovalEscalated struct {
	BaseEvent

	NodeID     string        `json:"node_id"`
	PendingFor time.Duration `json:"pending_for"`
}

func (e ApprovalEscalated) GetType() EventType {
	return ApprovalEscalatedEvent
}

type ReminderDue struct {
	BaseEvent

	NodeID  string         `json:"node_id"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (e ReminderDue) GetType() EventType {
	return ReminderDueEvent
}

type ActionSucceeded struct {
	BaseEvent

	NodeID     string `json:"node_id"`
	ActionType string `json:"action_type"`
	Attempts   int    `json:"attempts"`
}

func (e ActionSucceeded) GetType() EventType {
	return ActionSucceededEvent
}

type ActionFailed struct {
	BaseEvent

	NodeID     string `json:"node_id"`
	ActionType string `json:"action_type"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error"`
}

func (e ActionFailed) GetType() EventType {
	return ActionFailedEvent
}
