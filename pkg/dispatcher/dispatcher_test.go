package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pathrun/pathrun/pkg/channels/gochannel"
	"github.com/pathrun/pathrun/pkg/eventbus"
	"github.com/pathrun/pathrun/pkg/models"
	"github.com/pathrun/pathrun/pkg/protocol"
	"github.com/pathrun/pathrun/pkg/registry"
)

// scriptedHandler fails a configured number of times before succeeding.
type scriptedHandler struct {
	failures   int
	statusCode int
	calls      int
	result     map[string]any
	lastConfig map[string]any
}

func (h *scriptedHandler) Handle(_ context.Context, config map[string]any, _ *models.ExecutionContext) (map[string]any, error) {
	h.calls++
	h.lastConfig = config

	if h.calls <= h.failures {
		return nil, protocol.NewHandlerError(errors.New("scripted failure"), h.statusCode)
	}

	return h.result, nil
}

type scriptedFactory struct {
	handler protocol.ActionHandler
}

func (f *scriptedFactory) ID() string             { return "scripted" }
func (f *scriptedFactory) Name() string           { return "Scripted" }
func (f *scriptedFactory) Schema() map[string]any { return map[string]any{} }

func (f *scriptedFactory) Create(_ *slog.Logger) (protocol.ActionHandler, error) {
	return f.handler, nil
}

func newTestDispatcher(t *testing.T, handler protocol.ActionHandler) (*Dispatcher, *[]time.Duration) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	pub, sub, err := gochannel.CreateTestChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)

	reg := registry.NewRegistry(logger)
	reg.RegisterHandler(&scriptedFactory{handler: handler})

	d := NewDispatcher(reg, bus, logger)

	var slept []time.Duration

	d.sleep = func(_ context.Context, delay time.Duration) error {
		slept = append(slept, delay)

		return nil
	}

	return d, &slept
}

func TestExecute_SuccessMergesResult(t *testing.T) {
	handler := &scriptedHandler{result: map[string]any{"status_code": 200}}
	d, slept := newTestDispatcher(t, handler)

	execCtx := models.NewExecutionContext("inst-1", "notify", nil)

	result, err := d.Execute(context.Background(), "notify", "scripted", map[string]any{"to": "ops"}, execCtx, models.DefaultRetryPolicy())
	require.NoError(t, err)

	assert.Equal(t, 1, handler.calls)
	assert.Empty(t, *slept)
	assert.Equal(t, map[string]any{"status_code": 200}, result)
	assert.Equal(t, map[string]any{"status_code": 200}, execCtx.Variables["action_notify_result"])
}

func TestExecute_ResolvesTemplatesInConfig(t *testing.T) {
	handler := &scriptedHandler{result: map[string]any{}}
	d, _ := newTestDispatcher(t, handler)

	execCtx := models.NewExecutionContext("inst-1", "notify", map[string]any{"team": "finance"})

	_, err := d.Execute(context.Background(), "notify", "scripted", map[string]any{
		"channel": "#{{team}}",
	}, execCtx, models.DefaultRetryPolicy())
	require.NoError(t, err)

	assert.Equal(t, "#finance", handler.lastConfig["channel"])
}

func TestExecute_RetriesWithBackoff(t *testing.T) {
	handler := &scriptedHandler{failures: 2, result: map[string]any{"ok": true}}
	d, slept := newTestDispatcher(t, handler)

	policy := models.RetryPolicy{
		MaxRetries:        3,
		RetryDelay:        time.Second,
		BackoffMultiplier: 2,
	}

	execCtx := models.NewExecutionContext("inst-1", "notify", nil)

	_, err := d.Execute(context.Background(), "notify", "scripted", nil, execCtx, policy)
	require.NoError(t, err)

	assert.Equal(t, 3, handler.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

func TestExecute_ExhaustsRetries(t *testing.T) {
	handler := &scriptedHandler{failures: 100}
	d, _ := newTestDispatcher(t, handler)

	policy := models.RetryPolicy{MaxRetries: 2, RetryDelay: time.Millisecond, BackoffMultiplier: 2}

	execCtx := models.NewExecutionContext("inst-1", "notify", nil)

	_, err := d.Execute(context.Background(), "notify", "scripted", nil, execCtx, policy)
	require.Error(t, err)

	assert.Equal(t, 3, handler.calls)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.NotContains(t, execCtx.Variables, "action_notify_result")
}

func TestExecute_FailsFastOnNonRetryableStatus(t *testing.T) {
	handler := &scriptedHandler{failures: 100, statusCode: 400}
	d, slept := newTestDispatcher(t, handler)

	policy := models.RetryPolicy{
		MaxRetries:         3,
		RetryDelay:         time.Second,
		BackoffMultiplier:  2,
		RetryOnStatusCodes: []int{429, 500, 502, 503},
	}

	execCtx := models.NewExecutionContext("inst-1", "notify", nil)

	_, err := d.Execute(context.Background(), "notify", "scripted", nil, execCtx, policy)
	require.Error(t, err)

	assert.Equal(t, 1, handler.calls)
	assert.Empty(t, *slept)

	// The failure reports the single attempt made, not the full budget.
	assert.Contains(t, err.Error(), "after 1 attempts")
}

func TestExecute_RetryableStatusKeepsRetrying(t *testing.T) {
	handler := &scriptedHandler{failures: 1, statusCode: 503, result: map[string]any{}}
	d, _ := newTestDispatcher(t, handler)

	policy := models.RetryPolicy{
		MaxRetries:         3,
		RetryDelay:         time.Millisecond,
		BackoffMultiplier:  2,
		RetryOnStatusCodes: []int{503},
	}

	execCtx := models.NewExecutionContext("inst-1", "notify", nil)

	_, err := d.Execute(context.Background(), "notify", "scripted", nil, execCtx, policy)
	require.NoError(t, err)

	assert.Equal(t, 2, handler.calls)
}

func TestExecute_UnknownActionType(t *testing.T) {
	d, _ := newTestDispatcher(t, &scriptedHandler{})

	execCtx := models.NewExecutionContext("inst-1", "notify", nil)

	_, err := d.Execute(context.Background(), "notify", "missing", nil, execCtx, models.DefaultRetryPolicy())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}
