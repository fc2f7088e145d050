// Package dispatcher invokes pluggable action handlers with retry and
// backoff. The dispatcher owns no transport logic: it resolves templates in
// the handler config, runs the handler up to the policy's attempt budget and
// records the outcome.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pathrun/pathrun/pkg/eventbus"
	"github.com/pathrun/pathrun/pkg/events"
	"github.com/pathrun/pathrun/pkg/models"
	"github.com/pathrun/pathrun/pkg/protocol"
	"github.com/pathrun/pathrun/pkg/registry"
	"github.com/pathrun/pathrun/pkg/template"
	"github.com/pathrun/pathrun/pkg/tracer"
)

// ResultVariablePrefix is the key prefix under which action results land in
// the instance variables.
const ResultVariablePrefix = "action_"

// Dispatcher executes actions through the handler registry.
type Dispatcher struct {
	registry *registry.Registry
	eventBus eventbus.EventBus
	logger   *slog.Logger
	tracer   trace.Tracer

	// sleep is swappable so retry tests do not wait on real backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a dispatcher over the given handler registry.
func NewDispatcher(reg *registry.Registry, eventBus eventbus.EventBus, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		eventBus: eventBus,
		logger:   logger.With("module", "dispatcher"),
		tracer:   tracer.Tracer("pathrun-dispatcher"),
		sleep:    sleepContext,
	}
}

// Execute runs the action with retry/backoff. On success the result is
// merged into the context variables under action_<nodeID>_result. On final
// failure the last handler error is returned for the engine to apply the
// workflow error handling policy.
func (d *Dispatcher) Execute(
	ctx context.Context,
	nodeID string,
	actionType string,
	config map[string]any,
	execCtx *models.ExecutionContext,
	policy models.RetryPolicy,
) (map[string]any, error) {
	logger := d.logger.With(
		"instance_id", execCtx.InstanceID,
		"node_id", nodeID,
		"action_type", actionType,
	)

	ctx, span := d.tracer.Start(ctx, "dispatcher.execute", trace.WithAttributes(
		attribute.String(tracer.InstanceIDKey, execCtx.InstanceID),
		attribute.String(tracer.NodeIDKey, nodeID),
		attribute.String(tracer.ActionTypeKey, actionType),
	))
	defer span.End()

	handler, err := d.registry.CreateHandler(actionType)
	if err != nil {
		tracer.SetError(span, err)

		return nil, err
	}

	resolved, _ := template.ResolveObject(config, execCtx).(map[string]any)
	if resolved == nil {
		resolved = map[string]any{}
	}

	maxAttempts := policy.MaxAttempts()
	attempts := 0

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		delay := policy.DelayBeforeAttempt(attempt)
		if delay > 0 {
			err = d.sleep(ctx, delay)
			if err != nil {
				tracer.SetError(span, err)

				return nil, err
			}
		}

		result, handlerErr := handler.Handle(ctx, resolved, execCtx)
		if handlerErr == nil {
			execCtx.SetVariable(ResultVariablePrefix+nodeID+"_result", anyResult(result))
			logger.InfoContext(ctx, "Action succeeded", "attempts", attempt)
			span.SetAttributes(attribute.Int("pathrun.action.attempts", attempt))

			d.emit(ctx, execCtx.InstanceID, events.ActionSucceeded{
				BaseEvent:  d.baseEvent(events.ActionSucceededEvent, execCtx.InstanceID),
				NodeID:     nodeID,
				ActionType: actionType,
				Attempts:   attempt,
			})

			return result, nil
		}

		lastErr = handlerErr
		logger.WarnContext(ctx, "Action attempt failed", "attempt", attempt, "error", handlerErr)

		if code, ok := protocol.StatusCodeOf(handlerErr); ok && !policy.ShouldRetryStatus(code) {
			logger.InfoContext(ctx, "Status code not retryable, failing fast", "status_code", code)

			break
		}
	}

	if lastErr != nil {
		tracer.SetError(span, lastErr)
	}

	d.emit(ctx, execCtx.InstanceID, events.ActionFailed{
		BaseEvent:  d.baseEvent(events.ActionFailedEvent, execCtx.InstanceID),
		NodeID:     nodeID,
		ActionType: actionType,
		Attempts:   attempts,
		Error:      lastErr.Error(),
	})

	return nil, fmt.Errorf("action %s failed after %d attempts: %w", actionType, attempts, lastErr)
}

func (d *Dispatcher) baseEvent(eventType events.EventType, instanceID string) events.BaseEvent {
	return events.BaseEvent{
		ID:         d.eventBus.GenerateID(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		InstanceID: instanceID,
	}
}

func (d *Dispatcher) emit(ctx context.Context, instanceID string, event eventbus.Event) {
	err := d.eventBus.Publish(ctx, instanceID, event)
	if err != nil {
		d.logger.WarnContext(ctx, "Failed to publish action event", "event_type", event.GetType(), "error", err)
	}
}

// anyResult keeps nil maps out of the variables.
func anyResult(result map[string]any) any {
	if result == nil {
		return map[string]any{}
	}

	return result
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
