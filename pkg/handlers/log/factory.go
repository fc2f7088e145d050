package log

import (
	"log/slog"

	"github.com/pathrun/pathrun/pkg/protocol"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) ID() string {
	return "log"
}

func (f *Factory) Name() string {
	return "Log Message"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"message"},
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "Message to log, supports {{dotted.path}} placeholders",
			},
			"level": map[string]any{
				"type": "string",
				"enum": []string{"debug", "info", "warn", "error"},
			},
		},
	}
}

func (f *Factory) Create(logger *slog.Logger) (protocol.ActionHandler, error) {
	return NewHandler(logger), nil
}
