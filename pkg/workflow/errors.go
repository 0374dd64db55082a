package workflow

import (
	"errors"
	"fmt"
)

// ErrProjectIDRequired is returned when an execution is requested
// without a projectId in its input.
var ErrProjectIDRequired = errors.New("projectId is required")

// UnknownWorkflowError is returned when the requested workflow name
// matches neither the predefined catalog nor a stored custom workflow.
type UnknownWorkflowError struct {
	Name string
}

func (e *UnknownWorkflowError) Error() string {
	return fmt.Sprintf("Unknown workflow: %s", e.Name)
}

// ValidationError aggregates everything a workflow definition got wrong.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 1 {
		return e.Issues[0]
	}

	return fmt.Sprintf("workflow validation failed: %d issues, first: %s", len(e.Issues), e.Issues[0])
}

// ValidationFailedError carries the rule message of a validate step
// whose condition did not hold.
type ValidationFailedError struct {
	Message string
}

func (e *ValidationFailedError) Error() string {
	return e.Message
}

// StepExecutionError wraps a failure inside a step so the engine can
// record which step broke the run.
type StepExecutionError struct {
	StepID string
	Err    error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s failed: %s", e.StepID, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// IllegalStateError is returned when an operation is not legal for the
// execution's current status, like cancelling a completed run.
type IllegalStateError struct {
	Message string
}

func (e *IllegalStateError) Error() string {
	return e.Message
}
