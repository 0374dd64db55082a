// Package agents defines the call contract for AI-capability collaborators
// and the registry that maps agent names to their operations. The
// orchestrator treats agent data opaquely; any collaborator honoring the
// result envelope is pluggable without engine changes.
package agents

import "fmt"

// Usage reports the token volume and cost of one agent invocation.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Result is the envelope every agent operation returns.
type Result struct {
	Data  map[string]any `json:"data"`
	Usage Usage          `json:"usage"`
}

// Profile carries the billing assumptions used for dry-run cost projection:
// a fixed average-output estimate and per-1K-token prices.
type Profile struct {
	AvgOutputTokens int
	InputCostPer1K  float64
	OutputCostPer1K float64
}

// UnknownAgentError indicates a definition references an agent or operation
// that is not registered. Validation catches this for stored custom
// definitions; raw ad hoc definitions still fail safely here at execution.
type UnknownAgentError struct {
	Agent     string
	Operation string
}

func (e *UnknownAgentError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("Unknown agent operation: %s.%s", e.Agent, e.Operation)
	}

	return fmt.Sprintf("Unknown agent: %s", e.Agent)
}
