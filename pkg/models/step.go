package models

// StepType discriminates the closed set of step variants a workflow
// definition may contain.
type StepType string

const (
	StepTypeAgent     StepType = "agent"
	StepTypeCondition StepType = "condition"
	StepTypeParallel  StepType = "parallel"
	StepTypeAggregate StepType = "aggregate"
	StepTypeTransform StepType = "transform"
	StepTypeValidate  StepType = "validate"
)

// AggregateFunctionMerge is the only aggregate function currently
// supported: shallow-merge the source outputs into one map.
const AggregateFunctionMerge = "merge"

// Step is one unit of work inside a workflow. The concrete types below
// form a closed union; the executor dispatches on them by type switch.
type Step interface {
	StepID() string
	StepType() StepType
}

// AgentStep invokes one operation of a registered agent. The resolved
// output lands in the execution context under OutputKey, falling back
// to the step id.
type AgentStep struct {
	ID        string         `json:"id"        validate:"required"`
	Agent     string         `json:"agent"     validate:"required"`
	Operation string         `json:"operation" validate:"required"`
	Input     map[string]any `json:"input,omitempty"`
	OutputKey string         `json:"outputKey,omitempty"`
}

func (s *AgentStep) StepID() string     { return s.ID }
func (s *AgentStep) StepType() StepType { return StepTypeAgent }

// ContextKey is the execution context key this step's output is stored
// under.
func (s *AgentStep) ContextKey() string {
	if s.OutputKey != "" {
		return s.OutputKey
	}

	return s.ID
}

// ConditionStep evaluates a boolean expression and runs exactly one of
// its branches. Steps of the untaken branch are recorded as skipped.
type ConditionStep struct {
	ID        string `json:"id"        validate:"required"`
	Condition string `json:"condition" validate:"required"`
	Then      Steps  `json:"then,omitempty"`
	Else      Steps  `json:"else,omitempty"`
}

func (s *ConditionStep) StepID() string     { return s.ID }
func (s *ConditionStep) StepType() StepType { return StepTypeCondition }

// ParallelStep runs every branch concurrently and joins on all of them.
type ParallelStep struct {
	ID       string `json:"id"       validate:"required"`
	Branches Steps  `json:"branches" validate:"min=1"`
}

func (s *ParallelStep) StepID() string     { return s.ID }
func (s *ParallelStep) StepType() StepType { return StepTypeParallel }

// AggregateStep combines previously produced outputs into one value.
type AggregateStep struct {
	ID                string   `json:"id"                validate:"required"`
	Sources           []string `json:"sources"           validate:"min=1"`
	AggregateFunction string   `json:"aggregateFunction"`
	OutputKey         string   `json:"outputKey,omitempty"`
}

func (s *AggregateStep) StepID() string     { return s.ID }
func (s *AggregateStep) StepType() StepType { return StepTypeAggregate }

// TransformStep resolves a template against the execution context and
// stores the result, touching no agents.
type TransformStep struct {
	ID        string         `json:"id"        validate:"required"`
	Transform map[string]any `json:"transform" validate:"required"`
	OutputKey string         `json:"outputKey,omitempty"`
}

func (s *TransformStep) StepID() string     { return s.ID }
func (s *TransformStep) StepType() StepType { return StepTypeTransform }

// ValidationRule is one gate inside a validate step. Field is a
// template resolving to the value under test, Condition a rule
// expression, Message the error surfaced when the rule fails.
type ValidationRule struct {
	Field     string `json:"field"     validate:"required"`
	Condition string `json:"condition" validate:"required"`
	Message   string `json:"message"   validate:"required"`
}

type Validation struct {
	Rules []ValidationRule `json:"rules" validate:"min=1"`
}

// ValidateStep checks rules against the accumulated context and fails
// the execution with the rule's message when one does not hold.
type ValidateStep struct {
	ID         string     `json:"id"         validate:"required"`
	Validation Validation `json:"validation" validate:"required"`
}

func (s *ValidateStep) StepID() string     { return s.ID }
func (s *ValidateStep) StepType() StepType { return StepTypeValidate }
