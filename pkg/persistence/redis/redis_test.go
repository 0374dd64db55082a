package redis_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbparthas/testforge/pkg/models"
	"github.com/pbparthas/testforge/pkg/persistence"
	"github.com/pbparthas/testforge/pkg/persistence/redis"
)

func setupGateway(t *testing.T) *redis.Gateway {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})

	t.Cleanup(func() {
		_ = client.Close()
	})

	return redis.NewGatewayWithClient(client)
}

func TestExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	gateway := setupGateway(t)

	execution, err := gateway.CreateExecution(ctx, "wf-1", map[string]any{"projectId": "p1"})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPending, execution.Status)

	record, err := gateway.CreateStep(ctx, execution.ID, "generate")
	require.NoError(t, err)

	completed := models.StepStatusCompleted
	cost := 0.015
	require.NoError(t, gateway.UpdateStep(ctx, execution.ID, record.ID, persistence.StepPatch{
		Status:  &completed,
		CostUSD: &cost,
	}))

	done := models.ExecutionStatusCompleted
	total := 0.015
	require.NoError(t, gateway.UpdateExecution(ctx, execution.ID, persistence.ExecutionPatch{
		Status:       &done,
		TotalCostUSD: &total,
	}))

	loaded, err := gateway.ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, loaded.Status)
	require.Len(t, loaded.Steps, 1)
	assert.Equal(t, models.StepStatusCompleted, loaded.Steps[0].Status)
	assert.InDelta(t, 0.015, loaded.TotalCostUSD, 1e-9)
}

func TestConcurrentStepWritesKeepEveryRecord(t *testing.T) {
	ctx := context.Background()
	gateway := setupGateway(t)

	execution, err := gateway.CreateExecution(ctx, "wf-1", nil)
	require.NoError(t, err)

	const branches = 8

	var wg sync.WaitGroup

	for i := 0; i < branches; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			record, err := gateway.CreateStep(ctx, execution.ID, fmt.Sprintf("branch-%d", i))
			if !assert.NoError(t, err) {
				return
			}

			completed := models.StepStatusCompleted
			assert.NoError(t, gateway.UpdateStep(ctx, execution.ID, record.ID, persistence.StepPatch{
				Status: &completed,
			}))
		}(i)
	}

	wg.Wait()

	loaded, err := gateway.ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Steps, branches)

	for _, record := range loaded.Steps {
		assert.Equal(t, models.StepStatusCompleted, record.Status)
	}
}

func TestExecutionNotFound(t *testing.T) {
	gateway := setupGateway(t)

	_, err := gateway.ExecutionByID(context.Background(), "missing")
	assert.ErrorIs(t, err, persistence.ErrExecutionNotFound)
}

func TestWorkflowStorage(t *testing.T) {
	ctx := context.Background()
	gateway := setupGateway(t)

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
	require.Len(t, loaded.Steps, 1)
	assert.IsType(t, &models.AgentStep{}, loaded.Steps[0])

	list, err := gateway.ListCustomWorkflows(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = gateway.WorkflowByID(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
}

func TestHealthCheck(t *testing.T) {
	gateway := setupGateway(t)

	assert.NoError(t, gateway.HealthCheck(context.Background()))
}
