package models

import "time"

// WorkflowDefinition is a reusable named template of steps. Predefined
// definitions are built at process start and immutable; custom definitions
// are validated, persisted, and owned by whoever created them.
type WorkflowDefinition struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"                  validate:"required"`
	Description string    `json:"description,omitempty"`
	Steps       Steps     `json:"steps"                 validate:"min=1"`
	Custom      bool      `json:"custom,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// Agents returns the distinct agent names referenced by the definition,
// in first-use order, including steps nested in branches.
func (d *WorkflowDefinition) Agents() []string {
	seen := make(map[string]bool)
	agents := make([]string, 0)

	for _, step := range d.Steps.Flatten() {
		agentStep, ok := step.(*AgentStep)
		if !ok || seen[agentStep.Agent] {
			continue
		}

		seen[agentStep.Agent] = true
		agents = append(agents, agentStep.Agent)
	}

	return agents
}
