package workflow

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/pbparthas/testforge/pkg/expression"
	"github.com/pbparthas/testforge/pkg/models"
)

// Validator checks workflow definitions before they run or get stored.
type Validator struct {
	registry AgentDirectory
	resolver *expression.Resolver
	validate *validator.Validate
}

// AgentDirectory is the slice of the agent registry the validator needs.
type AgentDirectory interface {
	Has(agent string) bool
}

func NewValidator(registry AgentDirectory, resolver *expression.Resolver) *Validator {
	return &Validator{
		registry: registry,
		resolver: resolver,
		validate: validator.New(),
	}
}

// Validate runs every structural check and returns a single
// ValidationError listing all issues found, or nil.
func (v *Validator) Validate(definition *models.WorkflowDefinition) error {
	issues := make([]string, 0)

	if definition.Name == "" {
		issues = append(issues, "Workflow name is required")
	}

	if len(definition.Steps) == 0 {
		issues = append(issues, "Workflow must have at least one step")
	}

	if err := v.validate.Struct(definition); err != nil && len(issues) == 0 {
		issues = append(issues, err.Error())
	}

	steps := definition.Steps.Flatten()

	issues = append(issues, v.checkStepIDs(steps)...)
	issues = append(issues, v.checkAgents(steps)...)

	if cycle := v.detectCycle(steps); cycle {
		issues = append(issues, "Circular dependency detected")
	}

	if len(issues) == 0 {
		return nil
	}

	return &ValidationError{Issues: issues}
}

func (v *Validator) checkStepIDs(steps []models.Step) []string {
	issues := make([]string, 0)
	seen := make(map[string]bool, len(steps))

	for _, step := range steps {
		id := step.StepID()
		if id == "" {
			issues = append(issues, "Step id is required")

			continue
		}

		if seen[id] {
			issues = append(issues, fmt.Sprintf("Duplicate step id: %s", id))
		}

		seen[id] = true
	}

	return issues
}

func (v *Validator) checkAgents(steps []models.Step) []string {
	issues := make([]string, 0)
	reported := make(map[string]bool)

	for _, step := range steps {
		agentStep, ok := step.(*models.AgentStep)
		if !ok {
			continue
		}

		if agentStep.Agent == "" {
			issues = append(issues, fmt.Sprintf("Step %s is missing an agent", agentStep.ID))

			continue
		}

		if !v.registry.Has(agentStep.Agent) && !reported[agentStep.Agent] {
			issues = append(issues, fmt.Sprintf("Unknown agent: %s", agentStep.Agent))
			reported[agentStep.Agent] = true
		}
	}

	return issues
}

// detectCycle builds the reference graph between step context keys and
// runs a depth-first search with a recursion stack over it.
func (v *Validator) detectCycle(steps []models.Step) bool {
	graph := v.referenceGraph(steps)

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)

	state := make(map[string]int, len(graph))

	var visit func(key string) bool

	visit = func(key string) bool {
		switch state[key] {
		case visiting:
			return true
		case done:
			return false
		}

		state[key] = visiting

		for _, dep := range graph[key] {
			if _, ok := graph[dep]; !ok {
				continue
			}

			if visit(dep) {
				return true
			}
		}

		state[key] = done

		return false
	}

	for key := range graph {
		if visit(key) {
			return true
		}
	}

	return false
}

// referenceGraph maps each step's context key to the context keys its
// templates, conditions and aggregate sources read from.
func (v *Validator) referenceGraph(steps []models.Step) map[string][]string {
	graph := make(map[string][]string, len(steps))

	for _, step := range steps {
		key, refs := v.stepReferences(step)
		if key == "" {
			continue
		}

		graph[key] = append(graph[key], refs...)
	}

	return graph
}

func (v *Validator) stepReferences(step models.Step) (string, []string) {
	switch s := step.(type) {
	case *models.AgentStep:
		return s.ContextKey(), v.resolver.References(s.Input)
	case *models.ConditionStep:
		return s.ID, v.resolver.References(s.Condition)
	case *models.AggregateStep:
		key := s.OutputKey
		if key == "" {
			key = s.ID
		}

		return key, append([]string{}, s.Sources...)
	case *models.TransformStep:
		key := s.OutputKey
		if key == "" {
			key = s.ID
		}

		return key, v.resolver.References(s.Transform)
	case *models.ValidateStep:
		refs := make([]string, 0)
		for _, rule := range s.Validation.Rules {
			refs = append(refs, v.resolver.References(rule.Field)...)
		}

		return s.ID, refs
	case *models.ParallelStep:
		return s.ID, nil
	}

	return step.StepID(), nil
}
