package cmd

import (
	"fmt"
	"log/slog"

	"github.com/pbparthas/testforge/pkg/agents"
)

// NewAgentRegistry builds a registry with every built-in agent bound to
// the capability service behind agentAPIURL.
func NewAgentRegistry(logger *slog.Logger, agentAPIURL string) (*agents.Registry, error) {
	registry := agents.NewRegistry(logger)
	client := agents.NewClient(logger, agentAPIURL)

	if err := agents.RegisterBuiltins(registry, client); err != nil {
		return nil, fmt.Errorf("failed to register built-in agents: %w", err)
	}

	return registry, nil
}
