package models

import "time"

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further status transitions are permitted.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// StepStatus represents the lifecycle state of one step execution record.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// WorkflowExecution is one concrete run of a definition against an input.
// Created pending by the engine and mutated only by the engine.
type WorkflowExecution struct {
	ID           string                 `json:"id"`
	WorkflowID   string                 `json:"workflow_id"`
	Status       ExecutionStatus        `json:"status"`
	Input        map[string]any         `json:"input"`
	Output       map[string]any         `json:"output,omitempty"`
	Steps        []*StepExecutionRecord `json:"steps"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Error        string                 `json:"error,omitempty"`
	TotalCostUSD float64                `json:"total_cost_usd"`
	CreatedAt    time.Time              `json:"created_at"`
}

// CompletedSteps counts step records with status completed.
func (e *WorkflowExecution) CompletedSteps() int {
	count := 0

	for _, step := range e.Steps {
		if step.Status == StepStatusCompleted {
			count++
		}
	}

	return count
}

// StepExecutionRecord tracks one step's lifecycle within an execution.
type StepExecutionRecord struct {
	ID          string     `json:"id"`
	StepID      string     `json:"step_id"`
	Status      StepStatus `json:"status"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	CostUSD     float64    `json:"cost_usd"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
