// Package webhook provides an action handler that calls an external HTTP
// endpoint. Failures carry the response status code so the dispatcher's
// retry policy can fail fast on non-retryable codes.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pathrun/pathrun/pkg/models"
	"github.com/pathrun/pathrun/pkg/protocol"
)

const defaultTimeout = 30 * time.Second

type Handler struct {
	client *http.Client
	logger *slog.Logger
}

func NewHandler(logger *slog.Logger) *Handler {
	return &Handler{
		client: &http.Client{Timeout: defaultTimeout},
		logger: logger.With("module", "webhook_handler"),
	}
}

func (h *Handler) Handle(ctx context.Context, config map[string]any, execCtx *models.ExecutionContext) (map[string]any, error) {
	url, _ := config["url"].(string)
	if url == "" {
		return nil, protocol.NewHandlerError(fmt.Errorf("webhook handler requires a url"), 0)
	}

	method, _ := config["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	body, _ := config["body"].(string)

	request, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, strings.NewReader(body))
	if err != nil {
		return nil, protocol.NewHandlerError(fmt.Errorf("failed to build webhook request: %w", err), 0)
	}

	request.Header.Set("Content-Type", "application/json")

	if headers, ok := config["headers"].(map[string]any); ok {
		for name, value := range headers {
			if s, ok := value.(string); ok {
				request.Header.Set(name, s)
			}
		}
	}

	started := time.Now()

	response, err := h.client.Do(request)
	if err != nil {
		return nil, protocol.NewHandlerError(fmt.Errorf("webhook call failed: %w", err), 0)
	}

	defer func() {
		if closeErr := response.Body.Close(); closeErr != nil {
			h.logger.WarnContext(ctx, "Failed to close response body", "error", closeErr)
		}
	}()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return nil, protocol.NewHandlerError(fmt.Errorf("failed to read webhook response: %w", err), response.StatusCode)
	}

	if response.StatusCode >= http.StatusBadRequest {
		return nil, protocol.NewHandlerError(
			fmt.Errorf("webhook returned status %d", response.StatusCode),
			response.StatusCode,
		)
	}

	result := map[string]any{
		"status_code": response.StatusCode,
		"duration_ms": time.Since(started).Milliseconds(),
	}

	var parsed any
	if json.Unmarshal(responseBody, &parsed) == nil {
		result["body"] = parsed
	} else {
		result["body"] = string(responseBody)
	}

	return result, nil
}
