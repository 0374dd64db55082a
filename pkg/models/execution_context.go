package models

// StepOutput wraps one step's keyed output inside the execution context.
type StepOutput struct {
	Output any `json:"output"`
}

// ExecutionContext is the in-memory state threaded through one run. It grows
// monotonically as steps complete and is read by the expression resolver.
// It is never persisted.
type ExecutionContext struct {
	ExecutionID string
	WorkflowID  string
	Input       map[string]any
	Steps       map[string]StepOutput
}

// NewExecutionContext creates the context for a fresh run.
func NewExecutionContext(executionID, workflowID string, input map[string]any) *ExecutionContext {
	return &ExecutionContext{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Input:       input,
		Steps:       make(map[string]StepOutput),
	}
}

// SetStepOutput records a completed step's output under its context key.
func (ec *ExecutionContext) SetStepOutput(key string, output any) {
	ec.Steps[key] = StepOutput{Output: output}
}

// StepOutputValue returns the output stored under key, reporting whether it
// exists.
func (ec *ExecutionContext) StepOutputValue(key string) (any, bool) {
	entry, ok := ec.Steps[key]
	if !ok {
		return nil, false
	}

	return entry.Output, true
}

// Snapshot returns an independent copy of the context. Parallel branches
// each receive a snapshot so concurrent reads never observe sibling writes.
func (ec *ExecutionContext) Snapshot() *ExecutionContext {
	steps := make(map[string]StepOutput, len(ec.Steps))
	for key, value := range ec.Steps {
		steps[key] = value
	}

	return &ExecutionContext{
		ExecutionID: ec.ExecutionID,
		WorkflowID:  ec.WorkflowID,
		Input:       ec.Input,
		Steps:       steps,
	}
}

// Merge copies the step outputs of other into the receiver. Used after a
// parallel join to fold successful branch deltas back into the main context.
func (ec *ExecutionContext) Merge(outputs map[string]any) {
	for key, value := range outputs {
		ec.SetStepOutput(key, value)
	}
}
