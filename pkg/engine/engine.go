// Package engine drives workflow instances through their definition graphs.
// Execution is resumable: the engine persists the execution context on every
// transition and suspends at wait and approval nodes (and at forms whose
// required fields have not arrived), so instances survive process restarts
// and stay parked for days without holding any in-process resources.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pathrun/pathrun/pkg/contextstore"
	"github.com/pathrun/pathrun/pkg/dispatcher"
	"github.com/pathrun/pathrun/pkg/eventbus"
	"github.com/pathrun/pathrun/pkg/events"
	"github.com/pathrun/pathrun/pkg/models"
	"github.com/pathrun/pathrun/pkg/persistence"
	"github.com/pathrun/pathrun/pkg/tracer"
)

// Engine executes workflow definitions. It owns no definition cache: the
// definition is re-fetched on every traversal step so long-lived instances
// always see the stored document.
type Engine struct {
	persistence persistence.Persistence
	contexts    contextstore.Store
	dispatcher  *dispatcher.Dispatcher
	eventBus    eventbus.EventBus
	logger      *slog.Logger
	tracer      trace.Tracer

	// now is swappable for deterministic tests.
	now func() time.Time
}

// NewEngine creates an engine over the given storage and dispatch backends.
func NewEngine(
	p persistence.Persistence,
	contexts contextstore.Store,
	d *dispatcher.Dispatcher,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		persistence: p,
		contexts:    contexts,
		dispatcher:  d,
		eventBus:    eventBus,
		logger:      logger.With("module", "engine"),
		tracer:      tracer.Tracer("pathrun-engine"),
		now:         time.Now,
	}
}

// Start creates a new instance of the definition and runs it until it
// completes, fails or suspends. initialData is merged into the form data so
// trigger payloads are visible to conditions and templates from the first
// node on.
func (e *Engine) Start(
	ctx context.Context,
	definitionID string,
	triggeredBy string,
	trigger models.TriggerInfo,
	initialData map[string]any,
) (*models.Instance, error) {
	definition, err := e.persistence.Definitions().DefinitionByID(ctx, definitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load definition %s: %w", definitionID, err)
	}

	err = definition.Validate()
	if err != nil {
		return nil, err
	}

	startNode, ok := definition.StartNode()
	if !ok {
		return nil, models.NewValidationError("nodes", "definition has no start node")
	}

	instanceID := "inst-" + uuid.New().String()[:8]
	now := e.now().UTC()

	execCtx := models.NewExecutionContext(instanceID, startNode.ID, definition.SeedVariables())
	execCtx.MergeFormData(initialData)

	instance := &models.Instance{
		ID:            instanceID,
		DefinitionID:  definitionID,
		Status:        models.InstanceStatusRunning,
		CurrentNodeID: startNode.ID,
		Context:       execCtx,
		TriggeredBy:   triggeredBy,
		Trigger:       trigger,
		StartedAt:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = e.persistence.Instances().Create(ctx, instance)
	if err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}

	err = e.contexts.Save(ctx, instanceID, execCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to save execution context: %w", err)
	}

	release, err := e.lockInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", instanceID, err)
	}
	defer release()

	e.track(ctx, instance)
	e.logger.InfoContext(ctx, "Instance started",
		"instance_id", instanceID,
		"definition_id", definitionID,
		"triggered_by", triggeredBy,
	)

	return e.run(ctx, instance, execCtx, false)
}

// Resume wakes a suspended instance without new input.
func (e *Engine) Resume(ctx context.Context, instanceID string) (*models.Instance, error) {
	return e.ResumeWithInput(ctx, instanceID, nil)
}

// ResumeWithInput wakes a suspended instance, merging input into its form
// data first. The call is guarded by the instance lock: concurrent resumption
// of the same instance returns ErrLockContention, and only instances in
// waiting or paused status qualify.
func (e *Engine) ResumeWithInput(ctx context.Context, instanceID string, input map[string]any) (*models.Instance, error) {
	release, err := e.lockInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", instanceID, err)
	}
	defer release()

	instance, err := e.persistence.Instances().GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if instance.Status.IsTerminal() {
		return nil, fmt.Errorf("resume %s: %w", instanceID, ErrInstanceTerminal)
	}

	if instance.Status != models.InstanceStatusWaiting && instance.Status != models.InstanceStatusPaused {
		return nil, fmt.Errorf("resume %s in status %s: %w", instanceID, instance.Status, ErrInstanceNotWaiting)
	}

	err = e.persistence.Instances().TransitionStatus(ctx, instanceID, instance.Status, models.InstanceStatusRunning)
	if err != nil {
		return nil, err
	}

	execCtx, err := e.contexts.Get(ctx, instanceID)
	if errors.Is(err, contextstore.ErrContextNotFound) {
		// Context store state expired; recover from the relational snapshot.
		execCtx = instance.Context
		err = nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load execution context: %w", err)
	}

	if execCtx == nil {
		return nil, fmt.Errorf("resume %s: no execution context available", instanceID)
	}

	if len(input) > 0 {
		execCtx.MergeFormData(input)
	}

	delete(execCtx.Metadata, "awaiting_event")

	now := e.now().UTC()
	instance.Status = models.InstanceStatusRunning
	instance.ResumedAt = &now
	instance.UpdatedAt = now

	e.emit(ctx, instance.ID, events.WorkflowResumed{
		BaseEvent: e.baseEvent(events.WorkflowResumedEvent, instance.ID),
		NodeID:    execCtx.CurrentNode,
	})
	e.notify(ctx, instance.ID, "resumed", map[string]any{"node_id": execCtx.CurrentNode})

	return e.run(ctx, instance, execCtx, true)
}

// lockInstance acquires the instance lock with a fresh holder token. The
// returned release func still works after ctx is cancelled.
func (e *Engine) lockInstance(ctx context.Context, instanceID string) (func(), error) {
	token := uuid.New().String()

	acquired, err := e.contexts.AcquireLock(ctx, instanceID, token, contextstore.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock for %s: %w", instanceID, err)
	}

	if !acquired {
		return nil, ErrLockContention
	}

	release := func() {
		_, releaseErr := e.contexts.ReleaseLock(context.WithoutCancel(ctx), instanceID, token)
		if releaseErr != nil {
			e.logger.Warn("Failed to release instance lock", "instance_id", instanceID, "error", releaseErr)
		}
	}

	return release, nil
}

// Expire fails a suspended instance whose waiting window ran out. It is
// called by the scheduled resumption processor when a timeout task fires;
// instances that already moved on are left untouched.
func (e *Engine) Expire(ctx context.Context, instanceID, nodeID string) error {
	release, err := e.lockInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("expire %s: %w", instanceID, err)
	}
	defer release()

	instance, err := e.persistence.Instances().GetByID(ctx, instanceID)
	if err != nil {
		return err
	}

	if instance.Status.IsTerminal() || instance.CurrentNodeID != nodeID {
		return nil
	}

	execCtx, err := e.contexts.Get(ctx, instanceID)
	if errors.Is(err, contextstore.ErrContextNotFound) {
		execCtx = instance.Context
		err = nil
	}

	if err != nil {
		return err
	}

	waited := time.Duration(0)
	if instance.PausedAt != nil {
		waited = e.now().Sub(*instance.PausedAt)
	}

	_, err = e.fail(ctx, instance, execCtx, nodeID, &TimeoutError{
		InstanceID: instanceID,
		NodeID:     nodeID,
		Waited:     waited,
	})
	if err != nil {
		var timeoutErr *TimeoutError
		if errors.As(err, &timeoutErr) {
			return nil
		}
	}

	return err
}

// Cancel moves a non-terminal instance to cancelled and discards its pending
// tasks. An instance that is mid-traversal observes the cancellation at the
// next node boundary and drains without executing further nodes.
func (e *Engine) Cancel(ctx context.Context, instanceID string) error {
	instance, err := e.persistence.Instances().GetByID(ctx, instanceID)
	if err != nil {
		return err
	}

	if instance.Status.IsTerminal() {
		return fmt.Errorf("cancel %s: %w", instanceID, ErrInstanceTerminal)
	}

	err = e.persistence.Instances().TransitionStatus(ctx, instanceID, instance.Status, models.InstanceStatusCancelled)
	if err != nil {
		return err
	}

	now := e.now().UTC()
	instance.Status = models.InstanceStatusCancelled
	instance.CompletedAt = &now
	instance.UpdatedAt = now

	err = e.persistence.Instances().Update(ctx, instance)
	if err != nil {
		return err
	}

	err = e.persistence.Tasks().CancelPending(ctx, instanceID)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to cancel pending tasks", "instance_id", instanceID, "error", err)
	}

	e.appendHistory(ctx, instance.ID, &models.Node{ID: instance.CurrentNodeID}, models.HistoryActionCancelled, nil, nil, "", 0)

	err = e.contexts.Clear(ctx, instanceID)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to clear execution context", "instance_id", instanceID, "error", err)
	}

	e.track(ctx, instance)
	e.emit(ctx, instance.ID, events.WorkflowCancelled{
		BaseEvent:    e.baseEvent(events.WorkflowCancelledEvent, instance.ID),
		DefinitionID: instance.DefinitionID,
		NodeID:       instance.CurrentNodeID,
	})
	e.notify(ctx, instance.ID, "cancelled", nil)

	e.logger.InfoContext(ctx, "Instance cancelled", "instance_id", instanceID)

	return nil
}

// run is the traversal loop. Each iteration re-fetches the definition,
// executes the current node, records history and applies the outcome.
func (e *Engine) run(
	ctx context.Context,
	instance *models.Instance,
	execCtx *models.ExecutionContext,
	resuming bool,
) (*models.Instance, error) {
	logger := e.logger.With("instance_id", instance.ID, "definition_id", instance.DefinitionID)

	ctx, span := e.tracer.Start(ctx, "engine.run", trace.WithAttributes(
		attribute.String(tracer.InstanceIDKey, instance.ID),
		attribute.String(tracer.DefinitionIDKey, instance.DefinitionID),
	))
	defer span.End()

	for {
		if err := ctx.Err(); err != nil {
			e.saveContext(ctx, instance.ID, execCtx)

			return instance, err
		}

		if fresh, err := e.persistence.Instances().GetByID(ctx, instance.ID); err == nil &&
			fresh.Status == models.InstanceStatusCancelled {
			logger.InfoContext(ctx, "Instance cancelled, draining traversal", "node_id", execCtx.CurrentNode)

			return fresh, nil
		}

		definition, err := e.persistence.Definitions().DefinitionByID(ctx, instance.DefinitionID)
		if err != nil {
			return e.fail(ctx, instance, execCtx, execCtx.CurrentNode, err)
		}

		node, ok := definition.NodeByID(execCtx.CurrentNode)
		if !ok {
			return e.fail(ctx, instance, execCtx, execCtx.CurrentNode,
				fmt.Errorf("node %q not found in definition %s", execCtx.CurrentNode, definition.ID))
		}

		started := e.now()

		e.appendHistory(ctx, instance.ID, node, models.HistoryActionEntered, node.Config, nil, "", 0)
		logger.InfoContext(ctx, "Executing node", "node_id", node.ID, "node_type", node.Type)

		outcome, err := e.executeNode(ctx, definition, node, instance, execCtx, resuming)
		resuming = false
		durationMs := e.now().Sub(started).Milliseconds()

		if err != nil {
			e.appendHistory(ctx, instance.ID, node, models.HistoryActionFailed, nil, nil, err.Error(), durationMs)

			policy := definition.Config.ErrorHandling
			switch policy {
			case models.ErrorHandlingContinue:
				next, edgeErr := e.singleOutgoing(definition, node, instance)
				if edgeErr != nil {
					return e.fail(ctx, instance, execCtx, node.ID, err)
				}

				logger.WarnContext(ctx, "Node failed, continuing per error policy", "node_id", node.ID, "error", err)
				execCtx.SetVariable("error_"+node.ID, err.Error())
				e.advance(ctx, instance, execCtx, node, next)

				continue

			case models.ErrorHandlingRollback:
				e.restoreCheckpoint(ctx, instance.ID, execCtx)

				return e.fail(ctx, instance, execCtx, node.ID, err)

			default:
				return e.fail(ctx, instance, execCtx, node.ID, err)
			}
		}

		e.appendHistory(ctx, instance.ID, node, models.HistoryActionCompleted, nil, outcome.output, "", durationMs)

		switch {
		case outcome.complete:
			return e.complete(ctx, instance, execCtx, node)
		case outcome.suspend:
			return e.suspend(ctx, instance, execCtx, node, outcome.reason)
		default:
			e.advance(ctx, instance, execCtx, node, outcome.nextNode)
		}
	}
}

// advance moves the context forward and persists both the checkpoint of the
// completed node and the new primary state.
func (e *Engine) advance(
	ctx context.Context,
	instance *models.Instance,
	execCtx *models.ExecutionContext,
	node *models.Node,
	nextNode string,
) {
	err := e.contexts.Checkpoint(ctx, instance.ID, node.ID, execCtx)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to write checkpoint", "instance_id", instance.ID, "node_id", node.ID, "error", err)
	}

	execCtx.Advance(nextNode)
	instance.CurrentNodeID = nextNode

	e.saveContext(ctx, instance.ID, execCtx)
}

// restoreCheckpoint replaces the primary state with the snapshot of the
// previously completed node, when one still exists.
func (e *Engine) restoreCheckpoint(ctx context.Context, instanceID string, execCtx *models.ExecutionContext) {
	if execCtx.PreviousNode == "" {
		return
	}

	snapshot, err := e.contexts.LoadCheckpoint(ctx, instanceID, execCtx.PreviousNode)
	if err != nil {
		e.logger.WarnContext(ctx, "No checkpoint to roll back to", "instance_id", instanceID, "node_id", execCtx.PreviousNode)

		return
	}

	*execCtx = *snapshot

	e.saveContext(ctx, instanceID, execCtx)
}

func (e *Engine) complete(
	ctx context.Context,
	instance *models.Instance,
	execCtx *models.ExecutionContext,
	node *models.Node,
) (*models.Instance, error) {
	now := e.now().UTC()

	err := e.persistence.Instances().TransitionStatus(ctx, instance.ID, models.InstanceStatusRunning, models.InstanceStatusCompleted)
	if err != nil {
		return instance, err
	}

	instance.Status = models.InstanceStatusCompleted
	instance.CurrentNodeID = node.ID
	instance.CompletedAt = &now
	instance.UpdatedAt = now
	instance.Context = execCtx

	err = e.persistence.Instances().Update(ctx, instance)
	if err != nil {
		return instance, err
	}

	err = e.persistence.Tasks().CancelPending(ctx, instance.ID)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to cancel pending tasks", "instance_id", instance.ID, "error", err)
	}

	err = e.contexts.Clear(ctx, instance.ID)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to clear execution context", "instance_id", instance.ID, "error", err)
	}

	e.track(ctx, instance)
	e.emit(ctx, instance.ID, events.WorkflowCompleted{
		BaseEvent:    e.baseEvent(events.WorkflowCompletedEvent, instance.ID),
		DefinitionID: instance.DefinitionID,
		Result:       execCtx.Variables,
		DurationMs:   instance.Duration().Milliseconds(),
	})
	e.notify(ctx, instance.ID, "completed", nil)

	e.logger.InfoContext(ctx, "Instance completed",
		"instance_id", instance.ID,
		"duration_ms", instance.Duration().Milliseconds(),
	)

	return instance, nil
}

func (e *Engine) suspend(
	ctx context.Context,
	instance *models.Instance,
	execCtx *models.ExecutionContext,
	node *models.Node,
	reason string,
) (*models.Instance, error) {
	now := e.now().UTC()

	err := e.persistence.Instances().TransitionStatus(ctx, instance.ID, models.InstanceStatusRunning, models.InstanceStatusWaiting)
	if err != nil {
		return instance, err
	}

	instance.Status = models.InstanceStatusWaiting
	instance.CurrentNodeID = node.ID
	instance.PausedAt = &now
	instance.UpdatedAt = now
	instance.Context = execCtx

	err = e.persistence.Instances().Update(ctx, instance)
	if err != nil {
		return instance, err
	}

	e.saveContext(ctx, instance.ID, execCtx)
	e.track(ctx, instance)

	e.emit(ctx, instance.ID, events.WorkflowWaiting{
		BaseEvent: e.baseEvent(events.WorkflowWaitingEvent, instance.ID),
		NodeID:    node.ID,
		Reason:    reason,
	})

	if node.Type == models.NodeTypeApproval {
		e.emit(ctx, instance.ID, events.ApprovalRequired{
			BaseEvent: e.baseEvent(events.ApprovalRequiredEvent, instance.ID),
			NodeID:    node.ID,
			Approvers: approversFromConfig(node.Config),
		})
	}

	e.notify(ctx, instance.ID, "waiting", map[string]any{"node_id": node.ID, "reason": reason})

	e.logger.InfoContext(ctx, "Instance suspended",
		"instance_id", instance.ID,
		"node_id", node.ID,
		"reason", reason,
	)

	return instance, nil
}

func (e *Engine) fail(
	ctx context.Context,
	instance *models.Instance,
	execCtx *models.ExecutionContext,
	nodeID string,
	cause error,
) (*models.Instance, error) {
	now := e.now().UTC()

	err := e.persistence.Instances().TransitionStatus(ctx, instance.ID, instance.Status, models.InstanceStatusFailed)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to transition instance to failed", "instance_id", instance.ID, "error", err)
	}

	instance.Status = models.InstanceStatusFailed
	instance.CurrentNodeID = nodeID
	instance.FailedAt = &now
	instance.UpdatedAt = now
	instance.ErrorMessage = cause.Error()
	instance.Context = execCtx

	err = e.persistence.Instances().Update(ctx, instance)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to persist failed instance", "instance_id", instance.ID, "error", err)
	}

	err = e.persistence.Tasks().CancelPending(ctx, instance.ID)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to cancel pending tasks", "instance_id", instance.ID, "error", err)
	}

	// State is kept in the context store for post-mortem inspection until
	// its TTL expires.
	e.saveContext(ctx, instance.ID, execCtx)
	e.track(ctx, instance)

	e.emit(ctx, instance.ID, events.WorkflowFailed{
		BaseEvent:    e.baseEvent(events.WorkflowFailedEvent, instance.ID),
		DefinitionID: instance.DefinitionID,
		NodeID:       nodeID,
		Error:        cause.Error(),
	})
	e.notify(ctx, instance.ID, "failed", map[string]any{"node_id": nodeID, "error": cause.Error()})

	e.logger.ErrorContext(ctx, "Instance failed",
		"instance_id", instance.ID,
		"node_id", nodeID,
		"error", cause,
	)

	return instance, cause
}

func (e *Engine) saveContext(ctx context.Context, instanceID string, execCtx *models.ExecutionContext) {
	if execCtx == nil {
		return
	}

	err := e.contexts.Save(ctx, instanceID, execCtx)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to save execution context", "instance_id", instanceID, "error", err)
	}
}

func (e *Engine) appendHistory(
	ctx context.Context,
	instanceID string,
	node *models.Node,
	action models.HistoryAction,
	input, output map[string]any,
	errorMessage string,
	durationMs int64,
) {
	entry := &models.HistoryEntry{
		ID:           "hist-" + uuid.New().String()[:8],
		InstanceID:   instanceID,
		NodeID:       node.ID,
		NodeType:     node.Type,
		Action:       action,
		Input:        input,
		Output:       output,
		ErrorMessage: errorMessage,
		DurationMs:   durationMs,
		CreatedAt:    e.now().UTC(),
	}

	err := e.persistence.History().Append(ctx, entry)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to append history entry", "instance_id", instanceID, "error", err)
	}
}

func (e *Engine) track(ctx context.Context, instance *models.Instance) {
	err := e.contexts.TrackInstance(ctx, instance.ID, instance.DefinitionID, instance.Status)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to track instance", "instance_id", instance.ID, "error", err)
	}
}

func (e *Engine) baseEvent(eventType events.EventType, instanceID string) events.BaseEvent {
	return events.BaseEvent{
		ID:         e.eventBus.GenerateID(),
		Type:       eventType,
		Timestamp:  e.now().UTC(),
		InstanceID: instanceID,
	}
}

func (e *Engine) emit(ctx context.Context, instanceID string, event eventbus.Event) {
	err := e.eventBus.Publish(ctx, instanceID, event)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

// notify publishes a best-effort instance event on the context store channel.
func (e *Engine) notify(ctx context.Context, instanceID, event string, data map[string]any) {
	err := e.contexts.Publish(ctx, instanceID, event, data)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to publish instance notification", "instance_id", instanceID, "error", err)
	}
}

func approversFromConfig(config map[string]any) []string {
	raw, _ := config["approvers"].([]any)

	var approvers []string

	for _, value := range raw {
		if approver, ok := value.(string); ok {
			approvers = append(approvers, approver)
		}
	}

	return approvers
}
