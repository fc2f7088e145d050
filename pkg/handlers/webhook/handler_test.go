package webhook_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pathrun/pathrun/pkg/handlers/webhook"
	"github.com/pathrun/pathrun/pkg/models"
	"github.com/pathrun/pathrun/pkg/protocol"
)

func testHandler() *webhook.Handler {
	return webhook.NewHandler(slog.New(slog.NewTextHandler(os.Stdout, nil)))
}

func testExecCtx() *models.ExecutionContext {
	return models.NewExecutionContext("inst-wh", "notify", nil)
}

func TestHandle_Success(t *testing.T) {
	var receivedBody string

	var receivedHeader string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		receivedBody = string(body)
		receivedHeader = r.Header.Get("X-Token")

		assert.Equal(t, http.MethodPost, r.Method)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"accepted":true}`))
	}))
	defer server.Close()

	result, err := testHandler().Handle(context.Background(), map[string]any{
		"url":  server.URL,
		"body": `{"hello":"world"}`,
		"headers": map[string]any{
			"X-Token": "secret",
		},
	}, testExecCtx())
	require.NoError(t, err)

	assert.Equal(t, `{"hello":"world"}`, receivedBody)
	assert.Equal(t, "secret", receivedHeader)
	assert.Equal(t, http.StatusOK, result["status_code"])
	assert.Equal(t, map[string]any{"accepted": true}, result["body"])
}

func TestHandle_MethodOverride(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	result, err := testHandler().Handle(context.Background(), map[string]any{
		"url":    server.URL,
		"method": "get",
	}, testExecCtx())
	require.NoError(t, err)

	assert.Equal(t, "ok", result["body"])
}

func TestHandle_ErrorStatusCarriesCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := testHandler().Handle(context.Background(), map[string]any{
		"url": server.URL,
	}, testExecCtx())
	require.Error(t, err)

	code, ok := protocol.StatusCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, code)
}

func TestHandle_MissingURL(t *testing.T) {
	_, err := testHandler().Handle(context.Background(), map[string]any{}, testExecCtx())
	require.Error(t, err)

	_, ok := protocol.StatusCodeOf(err)
	assert.False(t, ok)
}

func TestHandle_UnreachableHost(t *testing.T) {
	_, err := testHandler().Handle(context.Background(), map[string]any{
		"url": "http://127.0.0.1:1",
	}, testExecCtx())
	require.Error(t, err)
}
