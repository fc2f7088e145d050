package webhook

import (
	"log/slog"

	"github.com/pathrun/pathrun/pkg/protocol"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) ID() string {
	return "webhook"
}

func (f *Factory) Name() string {
	return "Webhook Call"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"url"},
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Endpoint to call, supports {{dotted.path}} placeholders",
			},
			"method": map[string]any{
				"type":    "string",
				"enum":    []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
				"default": "POST",
			},
			"headers": map[string]any{"type": "object"},
			"body":    map[string]any{"type": "string"},
		},
	}
}

func (f *Factory) Create(logger *slog.Logger) (protocol.ActionHandler, error) {
	return NewHandler(logger), nil
}
