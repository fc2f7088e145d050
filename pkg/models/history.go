package models

import "time"

// HistoryAction describes what happened during a node visit.
type HistoryAction string

const (
	HistoryActionEntered   HistoryAction = "entered"
	HistoryActionCompleted HistoryAction = "completed"
	HistoryActionFailed    HistoryAction = "failed"
	HistoryActionCancelled HistoryAction = "cancelled"
)

// HistoryEntry is an append-only audit record for one node visit. Entries are
// never mutated after creation and are strictly ordered by creation time
// within an instance.
type HistoryEntry struct {
	ID           string         `json:"id"`
	InstanceID   string         `json:"instance_id"`
	NodeID       string         `json:"node_id"`
	NodeType     NodeType       `json:"node_type"`
	Action       HistoryAction  `json:"action"`
	Input        map[string]any `json:"input,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
	CreatedAt    time.Time      `json:"created_at"`
}
