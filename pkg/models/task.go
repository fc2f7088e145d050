package models

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

// TaskType classifies a deferred resumption record.
type TaskType string

const (
	TaskTypeWait           TaskType = "wait"
	TaskTypeReminder       TaskType = "reminder"
	TaskTypeTimeout        TaskType = "timeout"
	TaskTypeEscalation     TaskType = "escalation"
	TaskTypeConditionCheck TaskType = "condition_check"
)

// ErrInvalidTask is returned when scheduled task validation fails.
var ErrInvalidTask = errors.New("invalid scheduled task configuration")

// ScheduledTask is a durable record representing a future point at which an
// instance should be re-invoked. Tasks survive process restarts; the
// scheduled resumption processor polls them by ScheduledFor.
type ScheduledTask struct {
	ID           string         `json:"id"            validate:"required"`
	InstanceID   string         `json:"instance_id"   validate:"required"`
	NodeID       string         `json:"node_id"       validate:"required"`
	Type         TaskType       `json:"type"          validate:"required"`
	ScheduledFor time.Time      `json:"scheduled_for"`
	Executed     bool           `json:"executed"`
	ExecutedAt   *time.Time     `json:"executed_at,omitempty"`
	Failed       bool           `json:"failed"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	Payload      map[string]any `json:"payload,omitempty"`

	// CronExpression, when set on reminder tasks, re-arms the task after each
	// firing instead of marking it executed. Standard 5-field cron format.
	CronExpression string `json:"cron_expression,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewScheduledTask creates a task due at the given time.
func NewScheduledTask(id, instanceID, nodeID string, taskType TaskType, scheduledFor time.Time) *ScheduledTask {
	now := time.Now().UTC()

	return &ScheduledTask{
		ID:           id,
		InstanceID:   instanceID,
		NodeID:       nodeID,
		Type:         taskType,
		ScheduledFor: scheduledFor,
		MaxRetries:   3,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsDue reports whether the task should fire at the given time.
func (t *ScheduledTask) IsDue(now time.Time) bool {
	return !t.Executed && !t.ScheduledFor.After(now)
}

// IsRecurring reports whether the task re-arms itself after firing.
func (t *ScheduledTask) IsRecurring() bool {
	return t.CronExpression != ""
}

// Reschedule advances ScheduledFor to the next cron occurrence.
func (t *ScheduledTask) Reschedule() error {
	if t.CronExpression == "" {
		return ErrInvalidTask
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	schedule, err := parser.Parse(t.CronExpression)
	if err != nil {
		return err
	}

	t.ScheduledFor = schedule.Next(time.Now().UTC())
	t.RetryCount = 0
	t.UpdatedAt = time.Now().UTC()

	return nil
}

// Validate performs validation on the task fields.
func (t *ScheduledTask) Validate() error {
	if t.ID == "" || t.InstanceID == "" || t.Type == "" {
		return ErrInvalidTask
	}

	if t.CronExpression != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

		_, err := parser.Parse(t.CronExpression)
		if err != nil {
			return err
		}
	}

	return nil
}
