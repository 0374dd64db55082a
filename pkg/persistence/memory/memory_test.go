package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbparthas/testforge/pkg/models"
	"github.com/pbparthas/testforge/pkg/persistence"
	"github.com/pbparthas/testforge/pkg/persistence/memory"
)

func TestExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	gateway := memory.NewGateway()

	execution, err := gateway.CreateExecution(ctx, "wf-1", map[string]any{"projectId": "p1"})
	require.NoError(t, err)
	assert.NotEmpty(t, execution.ID)
	assert.Equal(t, models.ExecutionStatusPending, execution.Status)

	running := models.ExecutionStatusRunning
	now := time.Now().UTC()
	require.NoError(t, gateway.UpdateExecution(ctx, execution.ID, persistence.ExecutionPatch{
		Status:    &running,
		StartedAt: &now,
	}))

	loaded, err := gateway.ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, loaded.Status)
	require.NotNil(t, loaded.StartedAt)
}

func TestExecutionNotFound(t *testing.T) {
	gateway := memory.NewGateway()

	_, err := gateway.ExecutionByID(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrExecutionNotFound)
	assert.True(t, persistence.IsNotFound(err))
}

func TestStepRecords(t *testing.T) {
	ctx := context.Background()
	gateway := memory.NewGateway()

	execution, err := gateway.CreateExecution(ctx, "wf-1", nil)
	require.NoError(t, err)

	record, err := gateway.CreateStep(ctx, execution.ID, "generate")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPending, record.Status)

	completed := models.StepStatusCompleted
	var output any = map[string]any{"testCases": []any{"one"}}
	cost := 0.015
	require.NoError(t, gateway.UpdateStep(ctx, execution.ID, record.ID, persistence.StepPatch{
		Status:  &completed,
		Output:  &output,
		CostUSD: &cost,
	}))

	loaded, err := gateway.ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Steps, 1)
	assert.Equal(t, models.StepStatusCompleted, loaded.Steps[0].Status)
	assert.InDelta(t, 0.015, loaded.Steps[0].CostUSD, 1e-9)

	err = gateway.UpdateStep(ctx, execution.ID, "missing", persistence.StepPatch{Status: &completed})
	assert.ErrorIs(t, err, persistence.ErrStepNotFound)
}

func TestWorkflowStorage(t *testing.T) {
	ctx := context.Background()
	gateway := memory.NewGateway()

	definition := &models.WorkflowDefinition{
		ID:   "custom-1",
		Name: "mine",
		Steps: models.Steps{
			&models.AgentStep{ID: "one", Agent: "TestWeaver", Operation: "generate-tests"},
		},
		Custom: true,
	}

	_, err := gateway.CreateWorkflow(ctx, definition)
	require.NoError(t, err)

	_, err = gateway.CreateWorkflow(ctx, definition)
	assert.ErrorIs(t, err, persistence.ErrWorkflowAlreadyExists)

	loaded, err := gateway.WorkflowByID(ctx, "custom-1")
	require.NoError(t, err)
	assert.Equal(t, "mine", loaded.Name)

	list, err := gateway.ListCustomWorkflows(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = gateway.WorkflowByID(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
}

func TestReadsReturnCopies(t *testing.T) {
	ctx := context.Background()
	gateway := memory.NewGateway()

	execution, err := gateway.CreateExecution(ctx, "wf-1", map[string]any{"projectId": "p1"})
	require.NoError(t, err)

	first, err := gateway.ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)

	first.Status = models.ExecutionStatusFailed

	second, err := gateway.ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPending, second.Status)
}
