// Package persistence provides the storage abstraction for workflow
// definitions, executions, and step records.
package persistence

import (
	"context"
	"time"

	"github.com/pbparthas/testforge/pkg/models"
)

// ExecutionPatch is a partial update to a workflow execution. Nil fields
// are left unchanged.
type ExecutionPatch struct {
	Status       *models.ExecutionStatus
	Output       map[string]any
	Error        *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	TotalCostUSD *float64
}

// StepPatch is a partial update to a step execution record. Nil fields are
// left unchanged; Output uses a pointer so an explicit nil output can be
// distinguished from no change.
type StepPatch struct {
	Status      *models.StepStatus
	Output      *any
	Error       *string
	CostUSD     *float64
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Gateway is the persistence collaborator of the workflow engine. Rows are
// updated atomically per record; implementations must tolerate concurrent
// step writes within one execution, since parallel branches record their
// lifecycles from separate goroutines.
type Gateway interface {
	CreateExecution(ctx context.Context, workflowID string, input map[string]any) (*models.WorkflowExecution, error)
	UpdateExecution(ctx context.Context, executionID string, patch ExecutionPatch) error
	ExecutionByID(ctx context.Context, executionID string) (*models.WorkflowExecution, error)

	CreateStep(ctx context.Context, executionID, stepID string) (*models.StepExecutionRecord, error)
	UpdateStep(ctx context.Context, executionID, recordID string, patch StepPatch) error

	CreateWorkflow(ctx context.Context, definition *models.WorkflowDefinition) (*models.WorkflowDefinition, error)
	WorkflowByID(ctx context.Context, workflowID string) (*models.WorkflowDefinition, error)
	ListCustomWorkflows(ctx context.Context) ([]*models.WorkflowDefinition, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// ApplyExecutionPatch folds a patch into an execution record. Shared by
// implementations that store executions as whole documents.
func ApplyExecutionPatch(execution *models.WorkflowExecution, patch ExecutionPatch) {
	if patch.Status != nil {
		execution.Status = *patch.Status
	}

	if patch.Output != nil {
		execution.Output = patch.Output
	}

	if patch.Error != nil {
		execution.Error = *patch.Error
	}

	if patch.StartedAt != nil {
		execution.StartedAt = patch.StartedAt
	}

	if patch.CompletedAt != nil {
		execution.CompletedAt = patch.CompletedAt
	}

	if patch.TotalCostUSD != nil {
		execution.TotalCostUSD = *patch.TotalCostUSD
	}
}

// ApplyStepPatch folds a patch into a step record.
func ApplyStepPatch(record *models.StepExecutionRecord, patch StepPatch) {
	if patch.Status != nil {
		record.Status = *patch.Status
	}

	if patch.Output != nil {
		record.Output = *patch.Output
	}

	if patch.Error != nil {
		record.Error = *patch.Error
	}

	if patch.CostUSD != nil {
		record.CostUSD = *patch.CostUSD
	}

	if patch.StartedAt != nil {
		record.StartedAt = patch.StartedAt
	}

	if patch.CompletedAt != nil {
		record.CompletedAt = patch.CompletedAt
	}
}
