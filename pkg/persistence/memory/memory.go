// Package memory provides an in-process persistence gateway used by tests
// and single-process deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pbparthas/testforge/pkg/models"
	"github.com/pbparthas/testforge/pkg/persistence"
)

// Gateway implements persistence.Gateway over in-memory maps. Safe for
// concurrent executions.
type Gateway struct {
	mu         sync.RWMutex
	executions map[string]*models.WorkflowExecution
	workflows  map[string]*models.WorkflowDefinition
}

// NewGateway creates an empty in-memory gateway.
func NewGateway() *Gateway {
	return &Gateway{
		executions: make(map[string]*models.WorkflowExecution),
		workflows:  make(map[string]*models.WorkflowDefinition),
	}
}

func (g *Gateway) CreateExecution(_ context.Context, workflowID string, input map[string]any) (*models.WorkflowExecution, error) {
	execution := &models.WorkflowExecution{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Status:     models.ExecutionStatusPending,
		Input:      input,
		Steps:      make([]*models.StepExecutionRecord, 0),
		CreatedAt:  time.Now().UTC(),
	}

	g.mu.Lock()
	g.executions[execution.ID] = execution
	g.mu.Unlock()

	return cloneExecution(execution), nil
}

func (g *Gateway) UpdateExecution(_ context.Context, executionID string, patch persistence.ExecutionPatch) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	execution, ok := g.executions[executionID]
	if !ok {
		return persistence.NewStoreError("UpdateExecution", executionID, persistence.ErrExecutionNotFound)
	}

	persistence.ApplyExecutionPatch(execution, patch)

	return nil
}

func (g *Gateway) ExecutionByID(_ context.Context, executionID string) (*models.WorkflowExecution, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	execution, ok := g.executions[executionID]
	if !ok {
		return nil, persistence.NewStoreError("ExecutionByID", executionID, persistence.ErrExecutionNotFound)
	}

	return cloneExecution(execution), nil
}

func (g *Gateway) CreateStep(_ context.Context, executionID, stepID string) (*models.StepExecutionRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	execution, ok := g.executions[executionID]
	if !ok {
		return nil, persistence.NewStoreError("CreateStep", executionID, persistence.ErrExecutionNotFound)
	}

	record := &models.StepExecutionRecord{
		ID:     uuid.New().String(),
		StepID: stepID,
		Status: models.StepStatusPending,
	}
	execution.Steps = append(execution.Steps, record)

	clone := *record

	return &clone, nil
}

func (g *Gateway) UpdateStep(_ context.Context, executionID, recordID string, patch persistence.StepPatch) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	execution, ok := g.executions[executionID]
	if !ok {
		return persistence.NewStoreError("UpdateStep", executionID, persistence.ErrExecutionNotFound)
	}

	for _, record := range execution.Steps {
		if record.ID == recordID {
			persistence.ApplyStepPatch(record, patch)

			return nil
		}
	}

	return persistence.NewStoreError("UpdateStep", recordID, persistence.ErrStepNotFound)
}

func (g *Gateway) CreateWorkflow(_ context.Context, definition *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.workflows[definition.ID]; exists {
		return nil, persistence.NewStoreError("CreateWorkflow", definition.ID, persistence.ErrWorkflowAlreadyExists)
	}

	stored := *definition
	g.workflows[definition.ID] = &stored

	copied := stored

	return &copied, nil
}

func (g *Gateway) WorkflowByID(_ context.Context, workflowID string) (*models.WorkflowDefinition, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	definition, ok := g.workflows[workflowID]
	if !ok {
		return nil, persistence.NewStoreError("WorkflowByID", workflowID, persistence.ErrWorkflowNotFound)
	}

	copied := *definition

	return &copied, nil
}

func (g *Gateway) ListCustomWorkflows(_ context.Context) ([]*models.WorkflowDefinition, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	definitions := make([]*models.WorkflowDefinition, 0, len(g.workflows))

	for _, definition := range g.workflows {
		copied := *definition
		definitions = append(definitions, &copied)
	}

	return definitions, nil
}

func (g *Gateway) HealthCheck(_ context.Context) error {
	return nil
}

func (g *Gateway) Close(_ context.Context) error {
	return nil
}

func cloneExecution(execution *models.WorkflowExecution) *models.WorkflowExecution {
	clone := *execution
	clone.Steps = make([]*models.StepExecutionRecord, len(execution.Steps))

	for i, record := range execution.Steps {
		copied := *record
		clone.Steps[i] = &copied
	}

	return &clone
}
