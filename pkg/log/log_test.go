package log_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pbparthas/testforge/pkg/log"
)

func TestSetupParsesLevel(t *testing.T) {
	ctx := context.Background()

	logger := log.Setup("debug")
	assert.True(t, logger.Enabled(ctx, slog.LevelDebug))

	logger = log.Setup("warn")
	assert.False(t, logger.Enabled(ctx, slog.LevelInfo))
	assert.True(t, logger.Enabled(ctx, slog.LevelWarn))
}

func TestSetupUnknownLevelFallsBackToInfo(t *testing.T) {
	ctx := context.Background()

	logger := log.Setup("chatty")
	assert.True(t, logger.Enabled(ctx, slog.LevelInfo))
	assert.False(t, logger.Enabled(ctx, slog.LevelDebug))
}

func TestWithModuleUsesDefaultLogger(t *testing.T) {
	log.Setup("error")

	logger := log.WithModule("engine")
	assert.False(t, logger.Enabled(context.Background(), slog.LevelWarn))
}
