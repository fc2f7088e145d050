// Package protocol defines the contracts between the engine and pluggable
// action handlers.
package protocol

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pathrun/pathrun/pkg/models"
)

// ActionHandler executes one side effect type. Handlers receive their config
// with templates already resolved; delivery is at-least-once and idempotency
// is the handler's concern.
type ActionHandler interface {
	Handle(ctx context.Context, config map[string]any, execCtx *models.ExecutionContext) (map[string]any, error)
}

// HandlerFactory creates handler instances and describes the handler type.
type HandlerFactory interface {
	// ID returns the action type this factory serves.
	ID() string

	// Name returns the human-readable handler name.
	Name() string

	// Schema returns the JSON-schema-shaped description of the handler
	// config, used by tooling.
	Schema() map[string]any

	// Create builds a handler instance.
	Create(logger *slog.Logger) (ActionHandler, error)
}

// HandlerError is a handler failure optionally carrying an HTTP-like status
// code, which the dispatcher's retry policy may use to fail fast.
type HandlerError struct {
	Err        error
	StatusCode int
}

func (e *HandlerError) Error() string {
	return e.Err.Error()
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// NewHandlerError wraps a handler failure with a status code. Zero means no
// code is attached.
func NewHandlerError(err error, statusCode int) *HandlerError {
	return &HandlerError{Err: err, StatusCode: statusCode}
}

// StatusCodeOf extracts the status code from a handler error chain, if any.
func StatusCodeOf(err error) (int, bool) {
	var handlerErr *HandlerError
	if errors.As(err, &handlerErr) && handlerErr.StatusCode != 0 {
		return handlerErr.StatusCode, true
	}

	return 0, false
}
