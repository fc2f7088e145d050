// Package registry maps action types to their handler factories.
package registry

import (
	"fmt"
	"log/slog"

	"github.com/pathrun/pathrun/pkg/protocol"
)

// Registry holds the registered action handler factories. One handler serves
// one action type; registration replaces any previous factory for the type.
type Registry struct {
	logger    *slog.Logger
	factories map[string]protocol.HandlerFactory
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger,
		factories: make(map[string]protocol.HandlerFactory),
	}
}

// RegisterHandler adds a handler factory under its action type.
func (r *Registry) RegisterHandler(factory protocol.HandlerFactory) {
	r.factories[factory.ID()] = factory
}

// CreateHandler builds a handler for the given action type.
func (r *Registry) CreateHandler(actionType string) (protocol.ActionHandler, error) {
	factory, ok := r.factories[actionType]
	if !ok {
		return nil, fmt.Errorf("action type %q not registered", actionType)
	}

	return factory.Create(r.logger)
}

// AvailableHandlers returns the registered action types.
func (r *Registry) AvailableHandlers() []string {
	types := make([]string, 0, len(r.factories))
	for actionType := range r.factories {
		types = append(types, actionType)
	}

	return types
}
