// Package cmd provides common initialization functions for command-line
// applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pathrun/pathrun/pkg/persistence"
	"github.com/pathrun/pathrun/pkg/persistence/memory"
	"github.com/pathrun/pathrun/pkg/persistence/postgresql"
)

// NewPersistence creates the persistence backend for a database URL. The
// scheme picks the provider.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to create postgres persistence: %w", err))
		}

		return p
	case databaseURL == "memory://":
		return memory.NewPersistence()
	default:
		panic("unsupported database URL: " + databaseURL)
	}
}
