// Package scheduler polls durable scheduled tasks and re-invokes the engine
// for the instances they belong to. It is the component that turns persisted
// wake-up records into actual resumption after arbitrary downtime.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pathrun/pathrun/pkg/conditions"
	"github.com/pathrun/pathrun/pkg/contextstore"
	"github.com/pathrun/pathrun/pkg/engine"
	"github.com/pathrun/pathrun/pkg/eventbus"
	"github.com/pathrun/pathrun/pkg/events"
	"github.com/pathrun/pathrun/pkg/models"
	"github.com/pathrun/pathrun/pkg/persistence"
)

const (
	// DefaultBatchSize bounds how many due tasks one pass picks up.
	DefaultBatchSize = 10

	// DefaultPollInterval is how often the run loop checks for due tasks.
	DefaultPollInterval = 5 * time.Second

	defaultRetryDelay        = 30 * time.Second
	defaultConditionInterval = time.Minute
)

// Executor is the engine surface the processor needs.
type Executor interface {
	Resume(ctx context.Context, instanceID string) (*models.Instance, error)
	Expire(ctx context.Context, instanceID, nodeID string) error
}

// Processor drains due scheduled tasks in bounded batches.
type Processor struct {
	persistence persistence.Persistence
	contexts    contextstore.Store
	executor    Executor
	eventBus    eventbus.EventBus
	logger      *slog.Logger

	batchSize    int
	pollInterval time.Duration
	retryDelay   time.Duration

	now func() time.Time
}

// NewProcessor creates a processor with default batch size and intervals.
func NewProcessor(
	p persistence.Persistence,
	contexts contextstore.Store,
	executor Executor,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		persistence:  p,
		contexts:     contexts,
		executor:     executor,
		eventBus:     eventBus,
		logger:       logger.With("module", "scheduler"),
		batchSize:    DefaultBatchSize,
		pollInterval: DefaultPollInterval,
		retryDelay:   defaultRetryDelay,
		now:          time.Now,
	}
}

// Run polls for due tasks until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "Scheduled resumption processor started",
		"batch_size", p.batchSize,
		"poll_interval", p.pollInterval,
	)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Scheduled resumption processor stopped")

			return ctx.Err()
		case <-ticker.C:
			err := p.ProcessDueTasks(ctx)
			if err != nil {
				p.logger.ErrorContext(ctx, "Failed to process due tasks", "error", err)
			}
		}
	}
}

// ProcessDueTasks runs one bounded pass over the due tasks. Individual task
// failures are recorded on the task and never abort the batch.
func (p *Processor) ProcessDueTasks(ctx context.Context) error {
	now := p.now().UTC()

	tasks, err := p.persistence.Tasks().DueTasks(ctx, now, p.batchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch due tasks: %w", err)
	}

	for _, task := range tasks {
		err := p.processTask(ctx, task)
		if err != nil {
			p.recordFailure(ctx, task, err)
		}
	}

	return nil
}

func (p *Processor) processTask(ctx context.Context, task *models.ScheduledTask) error {
	logger := p.logger.With(
		"task_id", task.ID,
		"task_type", task.Type,
		"instance_id", task.InstanceID,
		"node_id", task.NodeID,
	)
	logger.InfoContext(ctx, "Processing due task")

	switch task.Type {
	case models.TaskTypeWait:
		_, err := p.executor.Resume(ctx, task.InstanceID)
		if err != nil {
			return err
		}

		return p.markExecuted(ctx, task)

	case models.TaskTypeConditionCheck:
		return p.processConditionCheck(ctx, task)

	case models.TaskTypeTimeout:
		err := p.executor.Expire(ctx, task.InstanceID, task.NodeID)
		if err != nil {
			return err
		}

		return p.markExecuted(ctx, task)

	case models.TaskTypeEscalation:
		pendingFor := p.now().UTC().Sub(task.CreatedAt)
		p.emit(ctx, task.InstanceID, events.ApprovalEscalated{
			BaseEvent:  p.baseEvent(events.ApprovalEscalatedEvent, task.InstanceID),
			NodeID:     task.NodeID,
			PendingFor: pendingFor,
		})

		return p.markExecuted(ctx, task)

	case models.TaskTypeReminder:
		p.emit(ctx, task.InstanceID, events.ReminderDue{
			BaseEvent: p.baseEvent(events.ReminderDueEvent, task.InstanceID),
			NodeID:    task.NodeID,
			Payload:   task.Payload,
		})

		if task.IsRecurring() {
			err := task.Reschedule()
			if err != nil {
				return err
			}

			return p.persistence.Tasks().Update(ctx, task)
		}

		return p.markExecuted(ctx, task)

	default:
		return fmt.Errorf("%w: unknown task type %q", models.ErrInvalidTask, task.Type)
	}
}

// processConditionCheck evaluates the stored predicates against the current
// context. An unsatisfied condition re-arms the task instead of failing it.
func (p *Processor) processConditionCheck(ctx context.Context, task *models.ScheduledTask) error {
	predicates, op, interval, err := conditionFromPayload(task.Payload)
	if err != nil {
		return err
	}

	execCtx, err := p.contexts.Get(ctx, task.InstanceID)
	if errors.Is(err, contextstore.ErrContextNotFound) {
		instance, instErr := p.persistence.Instances().GetByID(ctx, task.InstanceID)
		if instErr != nil {
			return instErr
		}

		execCtx = instance.Context
		err = nil
	}

	if err != nil {
		return err
	}

	if execCtx == nil {
		return fmt.Errorf("no execution context for instance %s", task.InstanceID)
	}

	satisfied, err := conditions.Evaluate(predicates, op, execCtx)
	if err != nil {
		return err
	}

	if !satisfied {
		task.ScheduledFor = p.now().UTC().Add(interval)
		task.UpdatedAt = p.now().UTC()

		return p.persistence.Tasks().Update(ctx, task)
	}

	_, err = p.executor.Resume(ctx, task.InstanceID)
	if err != nil {
		return err
	}

	return p.markExecuted(ctx, task)
}

func (p *Processor) markExecuted(ctx context.Context, task *models.ScheduledTask) error {
	now := p.now().UTC()
	task.Executed = true
	task.ExecutedAt = &now
	task.UpdatedAt = now

	return p.persistence.Tasks().Update(ctx, task)
}

// recordFailure applies the task retry budget. Lock contention reschedules
// without consuming a retry since another worker is making progress.
func (p *Processor) recordFailure(ctx context.Context, task *models.ScheduledTask, taskErr error) {
	now := p.now().UTC()

	if errors.Is(taskErr, engine.ErrLockContention) {
		p.logger.InfoContext(ctx, "Instance locked, rescheduling task", "task_id", task.ID)
		task.ScheduledFor = now.Add(p.retryDelay)
		task.UpdatedAt = now

		err := p.persistence.Tasks().Update(ctx, task)
		if err != nil {
			p.logger.ErrorContext(ctx, "Failed to reschedule task", "task_id", task.ID, "error", err)
		}

		return
	}

	task.RetryCount++
	task.UpdatedAt = now

	if task.RetryCount >= task.MaxRetries {
		task.Executed = true
		task.Failed = true
		task.ExecutedAt = &now

		p.logger.ErrorContext(ctx, "Task exhausted its retries",
			"task_id", task.ID,
			"retry_count", task.RetryCount,
			"error", taskErr,
		)
	} else {
		task.ScheduledFor = now.Add(p.retryDelay)

		p.logger.WarnContext(ctx, "Task failed, will retry",
			"task_id", task.ID,
			"retry_count", task.RetryCount,
			"error", taskErr,
		)
	}

	err := p.persistence.Tasks().Update(ctx, task)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to update task after failure", "task_id", task.ID, "error", err)
	}
}

func (p *Processor) baseEvent(eventType events.EventType, instanceID string) events.BaseEvent {
	return events.BaseEvent{
		ID:         p.eventBus.GenerateID(),
		Type:       eventType,
		Timestamp:  p.now().UTC(),
		InstanceID: instanceID,
	}
}

func (p *Processor) emit(ctx context.Context, instanceID string, event eventbus.Event) {
	err := p.eventBus.Publish(ctx, instanceID, event)
	if err != nil {
		p.logger.WarnContext(ctx, "Failed to publish scheduler event", "event_type", event.GetType(), "error", err)
	}
}

// conditionFromPayload decodes the predicates a condition wait stored when it
// suspended. The payload is JSON round-tripped, so values arrive as generic
// maps.
func conditionFromPayload(payload map[string]any) ([]models.Predicate, models.LogicOp, time.Duration, error) {
	raw, err := json.Marshal(payload["conditions"])
	if err != nil {
		return nil, "", 0, fmt.Errorf("invalid condition payload: %w", err)
	}

	var predicates []models.Predicate

	err = json.Unmarshal(raw, &predicates)
	if err != nil {
		return nil, "", 0, fmt.Errorf("invalid condition payload: %w", err)
	}

	op := models.LogicAnd
	if rawOp, ok := payload["condition_op"].(string); ok && rawOp != "" {
		op = models.LogicOp(rawOp)
	}

	interval := defaultConditionInterval
	if rawInterval, ok := payload["poll_interval"].(string); ok && rawInterval != "" {
		parsed, parseErr := time.ParseDuration(rawInterval)
		if parseErr == nil {
			interval = parsed
		}
	}

	return predicates, op, interval, nil
}
