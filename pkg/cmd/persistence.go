// Package cmd wires shared dependencies for the command-line entrypoints.
package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/pbparthas/testforge/pkg/persistence"
	"github.com/pbparthas/testforge/pkg/persistence/file"
	"github.com/pbparthas/testforge/pkg/persistence/memory"
	"github.com/pbparthas/testforge/pkg/persistence/postgresql"
	"github.com/pbparthas/testforge/pkg/persistence/redis"
)

// NewPersistence builds a gateway from a database URL. The scheme picks
// the backend; anything unrecognized is treated as a file path.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Gateway, error) {
	switch parseProvider(databaseURL) {
	case "memory":
		return memory.NewGateway(), nil
	case "postgres", "postgresql":
		return postgresql.NewGateway(ctx, logger, databaseURL)
	case "redis":
		return redis.NewGateway(ctx, databaseURL)
	default:
		return file.NewGateway(databaseURL), nil
	}
}

func parseProvider(databaseURL string) string {
	if databaseURL == "" {
		return "memory"
	}

	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	return scheme
}
