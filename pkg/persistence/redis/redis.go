// Package redis provides a Redis-backed persistence gateway storing
// executions and workflow definitions as JSON documents.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pbparthas/testforge/pkg/models"
	"github.com/pbparthas/testforge/pkg/persistence"
)

const (
	executionPrefix = "testforge:execution:"
	workflowPrefix  = "testforge:workflow:"
	workflowIndex   = "testforge:workflows"

	// Retries for optimistic WATCH transactions. Contention is bounded
	// by the branch count of a parallel step.
	maxTxRetries = 16
)

// Gateway implements persistence.Gateway on Redis. Each execution is one
// JSON document with its step records embedded. Document updates are
// read-modify-write, guarded by WATCH so concurrent step writes from
// parallel branches never overwrite each other.
type Gateway struct {
	client *redis.Client
}

// NewGateway connects to Redis using a redis:// URL and pings it.
func NewGateway(ctx context.Context, redisURL string) (*Gateway, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Gateway{client: client}, nil
}

// NewGatewayWithClient wraps an existing client. Used by tests.
func NewGatewayWithClient(client *redis.Client) *Gateway {
	return &Gateway{client: client}
}

func (g *Gateway) CreateExecution(ctx context.Context, workflowID string, input map[string]any) (*models.WorkflowExecution, error) {
	execution := &models.WorkflowExecution{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Status:     models.ExecutionStatusPending,
		Input:      input,
		Steps:      make([]*models.StepExecutionRecord, 0),
		CreatedAt:  time.Now().UTC(),
	}

	if err := g.setDocument(ctx, executionPrefix+execution.ID, execution); err != nil {
		return nil, persistence.NewStoreError("CreateExecution", execution.ID, err)
	}

	return execution, nil
}

func (g *Gateway) UpdateExecution(ctx context.Context, executionID string, patch persistence.ExecutionPatch) error {
	err := g.mutateExecution(ctx, executionID, func(execution *models.WorkflowExecution) error {
		persistence.ApplyExecutionPatch(execution, patch)

		return nil
	})
	if err != nil {
		return persistence.NewStoreError("UpdateExecution", executionID, err)
	}

	return nil
}

func (g *Gateway) ExecutionByID(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	data, err := g.client.Get(ctx, executionPrefix+executionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, persistence.NewStoreError("ExecutionByID", executionID, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewStoreError("ExecutionByID", executionID, err)
	}

	execution := &models.WorkflowExecution{}
	if err := json.Unmarshal(data, execution); err != nil {
		return nil, persistence.NewStoreError("ExecutionByID", executionID, err)
	}

	return execution, nil
}

func (g *Gateway) CreateStep(ctx context.Context, executionID, stepID string) (*models.StepExecutionRecord, error) {
	record := &models.StepExecutionRecord{
		ID:     uuid.New().String(),
		StepID: stepID,
		Status: models.StepStatusPending,
	}

	err := g.mutateExecution(ctx, executionID, func(execution *models.WorkflowExecution) error {
		execution.Steps = append(execution.Steps, record)

		return nil
	})
	if err != nil {
		return nil, persistence.NewStoreError("CreateStep", executionID, err)
	}

	return record, nil
}

func (g *Gateway) UpdateStep(ctx context.Context, executionID, recordID string, patch persistence.StepPatch) error {
	err := g.mutateExecution(ctx, executionID, func(execution *models.WorkflowExecution) error {
		for _, record := range execution.Steps {
			if record.ID == recordID {
				persistence.ApplyStepPatch(record, patch)

				return nil
			}
		}

		return persistence.ErrStepNotFound
	})
	if err != nil {
		return persistence.NewStoreError("UpdateStep", recordID, err)
	}

	return nil
}

// mutateExecution applies mutate to the stored execution inside a WATCH
// transaction, retrying when a concurrent writer invalidates the read.
func (g *Gateway) mutateExecution(ctx context.Context, executionID string, mutate func(execution *models.WorkflowExecution) error) error {
	key := executionPrefix + executionID

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return persistence.ErrExecutionNotFound
		}

		if err != nil {
			return err
		}

		execution := &models.WorkflowExecution{}
		if err := json.Unmarshal(data, execution); err != nil {
			return err
		}

		if err := mutate(execution); err != nil {
			return err
		}

		payload, err := json.Marshal(execution)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)

			return nil
		})

		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := g.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}

		return err
	}

	return redis.TxFailedErr
}

func (g *Gateway) CreateWorkflow(ctx context.Context, definition *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	exists, err := g.client.Exists(ctx, workflowPrefix+definition.ID).Result()
	if err != nil {
		return nil, persistence.NewStoreError("CreateWorkflow", definition.ID, err)
	}

	if exists > 0 {
		return nil, persistence.NewStoreError("CreateWorkflow", definition.ID, persistence.ErrWorkflowAlreadyExists)
	}

	if err := g.setDocument(ctx, workflowPrefix+definition.ID, definition); err != nil {
		return nil, persistence.NewStoreError("CreateWorkflow", definition.ID, err)
	}

	if err := g.client.SAdd(ctx, workflowIndex, definition.ID).Err(); err != nil {
		return nil, persistence.NewStoreError("CreateWorkflow", definition.ID, err)
	}

	return definition, nil
}

func (g *Gateway) WorkflowByID(ctx context.Context, workflowID string) (*models.WorkflowDefinition, error) {
	data, err := g.client.Get(ctx, workflowPrefix+workflowID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, persistence.NewStoreError("WorkflowByID", workflowID, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return nil, persistence.NewStoreError("WorkflowByID", workflowID, err)
	}

	definition := &models.WorkflowDefinition{}
	if err := json.Unmarshal(data, definition); err != nil {
		return nil, persistence.NewStoreError("WorkflowByID", workflowID, err)
	}

	return definition, nil
}

func (g *Gateway) ListCustomWorkflows(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	ids, err := g.client.SMembers(ctx, workflowIndex).Result()
	if err != nil {
		return nil, persistence.NewStoreError("ListCustomWorkflows", "", err)
	}

	definitions := make([]*models.WorkflowDefinition, 0, len(ids))

	for _, id := range ids {
		definition, err := g.WorkflowByID(ctx, id)
		if err != nil {
			return nil, err
		}

		definitions = append(definitions, definition)
	}

	return definitions, nil
}

func (g *Gateway) HealthCheck(ctx context.Context) error {
	if err := g.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	return nil
}

func (g *Gateway) Close(_ context.Context) error {
	return g.client.Close()
}

func (g *Gateway) setDocument(ctx context.Context, key string, document any) error {
	data, err := json.Marshal(document)
	if err != nil {
		return err
	}

	return g.client.Set(ctx, key, data, 0).Err()
}
