// Package log provides an action handler that writes a message to the
// service log. Useful for workflow debugging and as the reference handler
// implementation.
package log

import (
	"context"
	"log/slog"
	"time"

	"github.com/pathrun/pathrun/pkg/models"
)

type Handler struct {
	logger *slog.Logger
}

func NewHandler(logger *slog.Logger) *Handler {
	return &Handler{logger: logger.With("module", "log_handler")}
}

func (h *Handler) Handle(ctx context.Context, config map[string]any, execCtx *models.ExecutionContext) (map[string]any, error) {
	message, _ := config["message"].(string)
	level, _ := config["level"].(string)

	logger := h.logger.With("instance_id", execCtx.InstanceID, "node_id", execCtx.CurrentNode)

	switch level {
	case "debug":
		logger.DebugContext(ctx, message)
	case "warn":
		logger.WarnContext(ctx, message)
	case "error":
		logger.ErrorContext(ctx, message)
	default:
		logger.InfoContext(ctx, message)
	}

	return map[string]any{
		"message":   message,
		"logged_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}
