package workflow

import (
	"encoding/json"
	"log/slog"

	"github.com/pkoukk/tiktoken-go"

	"github.com/pbparthas/testforge/pkg/agents"
	"github.com/pbparthas/testforge/pkg/expression"
	"github.com/pbparthas/testforge/pkg/models"
)

// StepEstimate is the projected spend of one agent step.
type StepEstimate struct {
	StepID       string  `json:"stepId"`
	Agent        string  `json:"agent"`
	Operation    string  `json:"operation"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}

// CostEstimate is the projected spend of a whole workflow run. Both
// branches of every condition are counted, so the estimate is an upper
// bound rather than a prediction of the path actually taken.
type CostEstimate struct {
	WorkflowName    string         `json:"workflowName"`
	TotalUSD        float64        `json:"totalUsd"`
	EstimatedTokens int            `json:"estimatedTokens"`
	Breakdown       []StepEstimate `json:"breakdown"`
}

// ProfileSource is the slice of the agent registry the estimator reads.
type ProfileSource interface {
	Profile(agent string) (agents.Profile, bool)
}

// CostEstimator projects workflow spend from agent pricing profiles.
// Input size is measured with the cl100k_base tokenizer; when the
// encoding cannot be loaded it falls back to a four-bytes-per-token
// approximation.
type CostEstimator struct {
	profiles ProfileSource
	resolver *expression.Resolver
	encoding *tiktoken.Tiktoken
	logger   *slog.Logger
}

func NewCostEstimator(profiles ProfileSource, resolver *expression.Resolver, logger *slog.Logger) *CostEstimator {
	estimator := &CostEstimator{
		profiles: profiles,
		resolver: resolver,
		logger:   logger.With("module", "cost_estimator"),
	}

	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		logger.Warn("Failed to load cl100k_base encoding, using byte approximation", "error", err)
	} else {
		estimator.encoding = encoding
	}

	return estimator
}

// Estimate walks every agent step the definition could execute and sums
// their projected cost. Each step's input template is resolved against
// the run input, so a larger payload yields a proportionally larger
// estimate; step outputs do not exist in a dry run and resolve to
// nothing.
func (c *CostEstimator) Estimate(definition *models.WorkflowDefinition, input map[string]any) *CostEstimate {
	estimate := &CostEstimate{
		WorkflowName: definition.Name,
		Breakdown:    make([]StepEstimate, 0),
	}

	ec := models.NewExecutionContext("", definition.ID, input)

	for _, step := range definition.Steps.Flatten() {
		agentStep, ok := step.(*models.AgentStep)
		if !ok {
			continue
		}

		profile, ok := c.profiles.Profile(agentStep.Agent)
		if !ok {
			continue
		}

		resolved, err := c.resolver.Resolve(agentStep.Input, ec)
		if err != nil {
			resolved = agentStep.Input
		}

		inputTokens := c.countTokens(c.renderText(resolved))
		outputTokens := profile.AvgOutputTokens

		cost := float64(inputTokens)/1000*profile.InputCostPer1K +
			float64(outputTokens)/1000*profile.OutputCostPer1K

		estimate.Breakdown = append(estimate.Breakdown, StepEstimate{
			StepID:       agentStep.ID,
			Agent:        agentStep.Agent,
			Operation:    agentStep.Operation,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			CostUSD:      cost,
		})
		estimate.TotalUSD += cost
		estimate.EstimatedTokens += inputTokens + outputTokens
	}

	return estimate
}

func (c *CostEstimator) countTokens(text string) int {
	if c.encoding == nil {
		return len(text) / 4
	}

	return len(c.encoding.Encode(text, nil, nil))
}

func (c *CostEstimator) renderText(value any) string {
	if value == nil {
		return ""
	}

	data, err := json.Marshal(value)
	if err != nil {
		return ""
	}

	return string(data)
}
