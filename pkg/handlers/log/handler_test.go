package log_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loghandler "github.com/pathrun/pathrun/pkg/handlers/log"
	"github.com/pathrun/pathrun/pkg/models"
)

func TestHandle(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	handler := loghandler.NewHandler(slog.New(slog.NewTextHandler(&buf, nil)))
	execCtx := models.NewExecutionContext("inst-log", "say-hi", nil)

	result, err := handler.Handle(context.Background(), map[string]any{
		"message": "workflow checkpoint reached",
		"level":   "warn",
	}, execCtx)
	require.NoError(t, err)

	assert.Equal(t, "workflow checkpoint reached", result["message"])
	assert.NotEmpty(t, result["logged_at"])

	output := buf.String()
	assert.Contains(t, output, "workflow checkpoint reached")
	assert.Contains(t, output, "level=WARN")
	assert.Contains(t, output, "inst-log")
}

func TestHandle_DefaultLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	handler := loghandler.NewHandler(slog.New(slog.NewTextHandler(&buf, nil)))
	execCtx := models.NewExecutionContext("inst-log", "say-hi", nil)

	_, err := handler.Handle(context.Background(), map[string]any{"message": "plain"}, execCtx)
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "level=INFO")
}
