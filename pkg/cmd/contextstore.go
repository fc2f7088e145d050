package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pathrun/pathrun/pkg/contextstore"
	contextmemory "github.com/pathrun/pathrun/pkg/contextstore/memory"
	contextredis "github.com/pathrun/pathrun/pkg/contextstore/redis"
)

// NewContextStore creates the execution context store for a URL. Redis is the
// production backend; memory:// serves local development.
func NewContextStore(ctx context.Context, logger *slog.Logger, redisURL string) contextstore.Store {
	switch {
	case strings.HasPrefix(redisURL, "redis://"), strings.HasPrefix(redisURL, "rediss://"):
		store, err := contextredis.NewStore(ctx, logger, redisURL)
		if err != nil {
			panic(fmt.Errorf("failed to create redis context store: %w", err))
		}

		return store
	case redisURL == "memory://":
		return contextmemory.NewStore()
	default:
		panic("unsupported context store URL: " + redisURL)
	}
}
