package cmd

import (
	"log/slog"

	loghandler "github.com/pathrun/pathrun/pkg/handlers/log"
	"github.com/pathrun/pathrun/pkg/handlers/webhook"
	"github.com/pathrun/pathrun/pkg/registry"
)

// NewRegistry creates the action handler registry with the native handlers
// registered.
func NewRegistry(logger *slog.Logger) *registry.Registry {
	reg := registry.NewRegistry(logger)

	reg.RegisterHandler(loghandler.NewFactory())
	reg.RegisterHandler(webhook.NewFactory())

	return reg
}
