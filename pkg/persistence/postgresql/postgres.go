// Package postgresql provides a PostgreSQL persistence gateway.
package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pbparthas/testforge/pkg/models"
	"github.com/pbparthas/testforge/pkg/persistence"
)

// Gateway implements persistence.Gateway on PostgreSQL. Step records live
// in their own table so concurrent parallel-branch updates touch disjoint
// rows.
type Gateway struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewGateway connects, pings, and runs migrations.
func NewGateway(ctx context.Context, logger *slog.Logger, databaseURL string) (*Gateway, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	if err := database.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	manager := &migrationManager{db: database, logger: logger}
	if err := manager.run(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Gateway{db: database, logger: logger}, nil
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

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, persistence.NewStoreError("CreateExecution", execution.ID, err)
	}

	_, err = g.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, input, created_at) VALUES ($1, $2, $3, $4, $5)`,
		execution.ID, workflowID, execution.Status, inputJSON, execution.CreatedAt,
	)
	if err != nil {
		return nil, persistence.NewStoreError("CreateExecution", execution.ID, err)
	}

	return execution, nil
}

func (g *Gateway) UpdateExecution(ctx context.Context, executionID string, patch persistence.ExecutionPatch) error {
	assignments := make([]string, 0, 6)
	args := make([]any, 0, 7)

	addAssignment := func(column string, value any) {
		args = append(args, value)
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		addAssignment("status", *patch.Status)
	}

	if patch.Output != nil {
		outputJSON, err := json.Marshal(patch.Output)
		if err != nil {
			return persistence.NewStoreError("UpdateExecution", executionID, err)
		}

		addAssignment("output", outputJSON)
	}

	if patch.Error != nil {
		addAssignment("error", *patch.Error)
	}

	if patch.StartedAt != nil {
		addAssignment("started_at", *patch.StartedAt)
	}

	if patch.CompletedAt != nil {
		addAssignment("completed_at", *patch.CompletedAt)
	}

	if patch.TotalCostUSD != nil {
		addAssignment("total_cost_usd", *patch.TotalCostUSD)
	}

	if len(assignments) == 0 {
		return nil
	}

	args = append(args, executionID)
	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = $%d", strings.Join(assignments, ", "), len(args))

	result, err := g.db.ExecContext(ctx, query, args...)
	if err != nil {
		return persistence.NewStoreError("UpdateExecution", executionID, err)
	}

	return checkAffected(result, "UpdateExecution", executionID, persistence.ErrExecutionNotFound)
}

func (g *Gateway) ExecutionByID(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	row := g.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, status, input, output, error, total_cost_usd, started_at, completed_at, created_at
		 FROM executions WHERE id = $1`,
		executionID,
	)

	execution := &models.WorkflowExecution{}

	var inputJSON, outputJSON []byte

	err := row.Scan(
		&execution.ID, &execution.WorkflowID, &execution.Status,
		&inputJSON, &outputJSON, &execution.Error, &execution.TotalCostUSD,
		&execution.StartedAt, &execution.CompletedAt, &execution.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewStoreError("ExecutionByID", executionID, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewStoreError("ExecutionByID", executionID, err)
	}

	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &execution.Input); err != nil {
			return nil, persistence.NewStoreError("ExecutionByID", executionID, err)
		}
	}

	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &execution.Output); err != nil {
			return nil, persistence.NewStoreError("ExecutionByID", executionID, err)
		}
	}

	steps, err := g.stepsByExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	execution.Steps = steps

	return execution, nil
}

func (g *Gateway) stepsByExecution(ctx context.Context, executionID string) ([]*models.StepExecutionRecord, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT id, step_id, status, output, error, cost_usd, started_at, completed_at
		 FROM execution_steps WHERE execution_id = $1 ORDER BY position`,
		executionID,
	)
	if err != nil {
		return nil, persistence.NewStoreError("ExecutionByID", executionID, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	records := make([]*models.StepExecutionRecord, 0)

	for rows.Next() {
		record := &models.StepExecutionRecord{}

		var outputJSON []byte

		err := rows.Scan(
			&record.ID, &record.StepID, &record.Status,
			&outputJSON, &record.Error, &record.CostUSD,
			&record.StartedAt, &record.CompletedAt,
		)
		if err != nil {
			return nil, persistence.NewStoreError("ExecutionByID", executionID, err)
		}

		if len(outputJSON) > 0 {
			if err := json.Unmarshal(outputJSON, &record.Output); err != nil {
				return nil, persistence.NewStoreError("ExecutionByID", executionID, err)
			}
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewStoreError("ExecutionByID", executionID, err)
	}

	return records, nil
}

func (g *Gateway) CreateStep(ctx context.Context, executionID, stepID string) (*models.StepExecutionRecord, error) {
	record := &models.StepExecutionRecord{
		ID:     uuid.New().String(),
		StepID: stepID,
		Status: models.StepStatusPending,
	}

	_, err := g.db.ExecContext(ctx,
		`INSERT INTO execution_steps (id, execution_id, step_id, status) VALUES ($1, $2, $3, $4)`,
		record.ID, executionID, stepID, record.Status,
	)
	if err != nil {
		return nil, persistence.NewStoreError("CreateStep", stepID, err)
	}

	return record, nil
}

func (g *Gateway) UpdateStep(ctx context.Context, executionID, recordID string, patch persistence.StepPatch) error {
	assignments := make([]string, 0, 6)
	args := make([]any, 0, 8)

	addAssignment := func(column string, value any) {
		args = append(args, value)
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		addAssignment("status", *patch.Status)
	}

	if patch.Output != nil {
		outputJSON, err := json.Marshal(*patch.Output)
		if err != nil {
			return persistence.NewStoreError("UpdateStep", recordID, err)
		}

		addAssignment("output", outputJSON)
	}

	if patch.Error != nil {
		addAssignment("error", *patch.Error)
	}

	if patch.CostUSD != nil {
		addAssignment("cost_usd", *patch.CostUSD)
	}

	if patch.StartedAt != nil {
		addAssignment("started_at", *patch.StartedAt)
	}

	if patch.CompletedAt != nil {
		addAssignment("completed_at", *patch.CompletedAt)
	}

	if len(assignments) == 0 {
		return nil
	}

	args = append(args, recordID, executionID)
	query := fmt.Sprintf(
		"UPDATE execution_steps SET %s WHERE id = $%d AND execution_id = $%d",
		strings.Join(assignments, ", "), len(args)-1, len(args),
	)

	result, err := g.db.ExecContext(ctx, query, args...)
	if err != nil {
		return persistence.NewStoreError("UpdateStep", recordID, err)
	}

	return checkAffected(result, "UpdateStep", recordID, persistence.ErrStepNotFound)
}

func (g *Gateway) CreateWorkflow(ctx context.Context, definition *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	definitionJSON, err := json.Marshal(definition)
	if err != nil {
		return nil, persistence.NewStoreError("CreateWorkflow", definition.ID, err)
	}

	_, err = g.db.ExecContext(ctx,
		`INSERT INTO workflows (id, definition, created_at) VALUES ($1, $2, $3)`,
		definition.ID, definitionJSON, definition.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, persistence.NewStoreError("CreateWorkflow", definition.ID, persistence.ErrWorkflowAlreadyExists)
		}

		return nil, persistence.NewStoreError("CreateWorkflow", definition.ID, err)
	}

	return definition, nil
}

func (g *Gateway) WorkflowByID(ctx context.Context, workflowID string) (*models.WorkflowDefinition, error) {
	var definitionJSON []byte

	err := g.db.QueryRowContext(ctx, `SELECT definition FROM workflows WHERE id = $1`, workflowID).Scan(&definitionJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewStoreError("WorkflowByID", workflowID, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return nil, persistence.NewStoreError("WorkflowByID", workflowID, err)
	}

	definition := &models.WorkflowDefinition{}
	if err := json.Unmarshal(definitionJSON, definition); err != nil {
		return nil, persistence.NewStoreError("WorkflowByID", workflowID, err)
	}

	return definition, nil
}

func (g *Gateway) ListCustomWorkflows(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT definition FROM workflows ORDER BY created_at`)
	if err != nil {
		return nil, persistence.NewStoreError("ListCustomWorkflows", "", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	definitions := make([]*models.WorkflowDefinition, 0)

	for rows.Next() {
		var definitionJSON []byte
		if err := rows.Scan(&definitionJSON); err != nil {
			return nil, persistence.NewStoreError("ListCustomWorkflows", "", err)
		}

		definition := &models.WorkflowDefinition{}
		if err := json.Unmarshal(definitionJSON, definition); err != nil {
			return nil, persistence.NewStoreError("ListCustomWorkflows", "", err)
		}

		definitions = append(definitions, definition)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewStoreError("ListCustomWorkflows", "", err)
	}

	return definitions, nil
}

func (g *Gateway) HealthCheck(ctx context.Context) error {
	if err := g.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (g *Gateway) Close(_ context.Context) error {
	if g.db != nil {
		if err := g.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

func checkAffected(result sql.Result, op, id string, sentinel error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStoreError(op, id, err)
	}

	if affected == 0 {
		return persistence.NewStoreError(op, id, sentinel)
	}

	return nil
}
