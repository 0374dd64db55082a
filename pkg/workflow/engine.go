// Package workflow orchestrates multi-step agent workflows: validation,
// step execution, cost estimation and the execution lifecycle.
package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/pbparthas/testforge/pkg/agents"
	"github.com/pbparthas/testforge/pkg/eventbus"
	"github.com/pbparthas/testforge/pkg/events"
	"github.com/pbparthas/testforge/pkg/expression"
	"github.com/pbparthas/testforge/pkg/models"
	"github.com/pbparthas/testforge/pkg/persistence"
	"github.com/pbparthas/testforge/pkg/tracing"
)

// WorkflowStatus is the caller-facing view of one execution's progress.
type WorkflowStatus struct {
	ExecutionID    string                        `json:"executionId"`
	WorkflowID     string                        `json:"workflowId"`
	Status         models.ExecutionStatus        `json:"status"`
	Steps          []*models.StepExecutionRecord `json:"steps"`
	CompletedSteps int                           `json:"completedSteps"`
	TotalSteps     int                           `json:"totalSteps"`
	StartedAt      *time.Time                    `json:"startedAt,omitempty"`
	ElapsedMs      int64                         `json:"elapsedMs"`
	Output         map[string]any                `json:"output,omitempty"`
	Error          string                        `json:"error,omitempty"`
	TotalCostUSD   float64                       `json:"totalCostUsd"`
}

// WorkflowSummary is one row of the workflow listing.
type WorkflowSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Custom      bool   `json:"custom"`
	StepCount   int    `json:"stepCount"`
}

// Engine runs workflows end to end. Executions move through
// pending, running and one of the terminal statuses; a terminal status
// is never overwritten.
type Engine struct {
	gateway    persistence.Gateway
	registry   *agents.Registry
	resolver   *expression.Resolver
	executor   *StepExecutor
	validator  *Validator
	estimator  *CostEstimator
	eventBus   eventbus.EventPublisher
	tracer     trace.Tracer
	logger     *slog.Logger
	predefined map[string]*models.WorkflowDefinition

	mu         sync.Mutex
	cancelling map[string]bool
}

func NewEngine(gateway persistence.Gateway, registry *agents.Registry, eventBus eventbus.EventPublisher, tracer trace.Tracer, logger *slog.Logger) *Engine {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("testforge")
	}

	resolver := expression.NewResolver()

	return &Engine{
		gateway:    gateway,
		registry:   registry,
		resolver:   resolver,
		executor:   NewStepExecutor(registry, resolver, gateway, eventBus, tracer, logger),
		validator:  NewValidator(registry, resolver),
		estimator:  NewCostEstimator(registry, resolver, logger),
		eventBus:   eventBus,
		tracer:     tracer,
		logger:     logger.With("module", "workflow_engine"),
		predefined: PredefinedWorkflows(),
		cancelling: make(map[string]bool),
	}
}

// ExecuteWorkflow resolves the named workflow, predefined catalog
// first, stored custom workflows second, and runs it to completion.
func (e *Engine) ExecuteWorkflow(ctx context.Context, name string, input map[string]any) (*models.WorkflowExecution, error) {
	definition, err := e.resolveWorkflow(ctx, name)
	if err != nil {
		return nil, err
	}

	return e.run(ctx, definition, input)
}

// ExecuteCustomWorkflow runs an ad-hoc definition without validating or
// storing it. A malformed definition fails at execution time, at the
// step that trips over it, leaving a failed execution record.
func (e *Engine) ExecuteCustomWorkflow(ctx context.Context, definition *models.WorkflowDefinition, input map[string]any) (*models.WorkflowExecution, error) {
	if definition.ID == "" {
		definition.ID = uuid.New().String()
	}

	definition.Custom = true

	return e.run(ctx, definition, input)
}

// CreateCustomWorkflow validates and stores a custom definition.
func (e *Engine) CreateCustomWorkflow(ctx context.Context, definition *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	if err := e.validator.Validate(definition); err != nil {
		return nil, err
	}

	if definition.ID == "" {
		definition.ID = uuid.New().String()
	}

	definition.Custom = true

	now := time.Now().UTC()
	definition.CreatedAt = now
	definition.UpdatedAt = now

	return e.gateway.CreateWorkflow(ctx, definition)
}

// GetWorkflowStatus returns the progress view of an execution:
// step records, completed and total step counts, and the elapsed time
// since the run started (zero when it never started).
func (e *Engine) GetWorkflowStatus(ctx context.Context, executionID string) (*WorkflowStatus, error) {
	execution, err := e.gateway.ExecutionByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	var elapsedMs int64
	if execution.StartedAt != nil {
		elapsedMs = time.Since(*execution.StartedAt).Milliseconds()
	}

	return &WorkflowStatus{
		ExecutionID:    execution.ID,
		WorkflowID:     execution.WorkflowID,
		Status:         execution.Status,
		Steps:          execution.Steps,
		CompletedSteps: execution.CompletedSteps(),
		TotalSteps:     len(execution.Steps),
		StartedAt:      execution.StartedAt,
		ElapsedMs:      elapsedMs,
		Output:         execution.Output,
		Error:          execution.Error,
		TotalCostUSD:   execution.TotalCostUSD,
	}, nil
}

// CancelWorkflow requests cooperative cancellation of a running
// execution. Cancelling an execution that already reached a terminal
// status is an error.
func (e *Engine) CancelWorkflow(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	execution, err := e.gateway.ExecutionByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if execution.Status.Terminal() {
		return nil, &IllegalStateError{
			Message: "Cannot cancel workflow with status: " + string(execution.Status),
		}
	}

	e.mu.Lock()
	e.cancelling[executionID] = true
	e.mu.Unlock()

	status := models.ExecutionStatusCancelled
	now := time.Now().UTC()

	if err := e.gateway.UpdateExecution(ctx, executionID, persistence.ExecutionPatch{
		Status:      &status,
		CompletedAt: &now,
	}); err != nil {
		return nil, err
	}

	e.publish(ctx, events.ExecutionCancelled{
		BaseEvent:   e.baseEvent(events.ExecutionCancelledEvent, execution.WorkflowID),
		ExecutionID: executionID,
	})

	return e.gateway.ExecutionByID(ctx, executionID)
}

// EstimateCost projects the spend of the named workflow for a given
// input without running it.
func (e *Engine) EstimateCost(ctx context.Context, name string, input map[string]any) (*CostEstimate, error) {
	definition, err := e.resolveWorkflow(ctx, name)
	if err != nil {
		return nil, err
	}

	return e.estimator.Estimate(definition, input), nil
}

// ListWorkflows returns the predefined catalog followed by every stored
// custom workflow.
func (e *Engine) ListWorkflows(ctx context.Context) ([]WorkflowSummary, error) {
	summaries := make([]WorkflowSummary, 0, len(e.predefined))

	for _, name := range PredefinedWorkflowNames() {
		definition := e.predefined[name]
		summaries = append(summaries, WorkflowSummary{
			ID:          definition.ID,
			Name:        definition.Name,
			Description: definition.Description,
			Custom:      false,
			StepCount:   len(definition.Steps),
		})
	}

	custom, err := e.gateway.ListCustomWorkflows(ctx)
	if err != nil {
		return nil, err
	}

	for _, definition := range custom {
		summaries = append(summaries, WorkflowSummary{
			ID:          definition.ID,
			Name:        definition.Name,
			Description: definition.Description,
			Custom:      true,
			StepCount:   len(definition.Steps),
		})
	}

	return summaries, nil
}

func (e *Engine) resolveWorkflow(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	if definition, ok := e.predefined[name]; ok {
		return definition, nil
	}

	definition, err := e.gateway.WorkflowByID(ctx, name)
	if err != nil {
		if errors.Is(err, persistence.ErrWorkflowNotFound) {
			return nil, &UnknownWorkflowError{Name: name}
		}

		return nil, err
	}

	return definition, nil
}

func (e *Engine) run(ctx context.Context, definition *models.WorkflowDefinition, input map[string]any) (*models.WorkflowExecution, error) {
	projectID, _ := input["projectId"].(string)
	if projectID == "" {
		return nil, ErrProjectIDRequired
	}

	ctx, span := tracing.StartSpan(ctx, e.tracer, "workflow.execute",
		attribute.String(tracing.WorkflowIDKey, definition.ID),
		attribute.String(tracing.WorkflowNameKey, definition.Name),
		attribute.String(tracing.ProjectIDKey, projectID),
	)
	defer span.End()

	execution, err := e.gateway.CreateExecution(ctx, definition.ID, input)
	if err != nil {
		tracing.SetError(span, err)

		return nil, err
	}

	span.SetAttributes(attribute.String(tracing.ExecutionIDKey, execution.ID))

	running := models.ExecutionStatusRunning
	startedAt := time.Now().UTC()

	if err := e.gateway.UpdateExecution(ctx, execution.ID, persistence.ExecutionPatch{
		Status:    &running,
		StartedAt: &startedAt,
	}); err != nil {
		tracing.SetError(span, err)

		return nil, err
	}

	e.publish(ctx, events.ExecutionStarted{
		BaseEvent:   e.baseEvent(events.ExecutionStartedEvent, definition.ID),
		ExecutionID: execution.ID,
		Input:       input,
	})

	e.logger.InfoContext(ctx, "Workflow execution started",
		"execution_id", execution.ID, "workflow", definition.Name)

	defer func() {
		e.mu.Lock()
		delete(e.cancelling, execution.ID)
		e.mu.Unlock()
	}()

	ec := models.NewExecutionContext(execution.ID, definition.ID, input)

	var totalCost float64

	for _, step := range definition.Steps {
		if e.cancelled(execution.ID) {
			return e.finish(ctx, execution.ID, definition.ID, models.ExecutionStatusCancelled, ec, totalCost, "", startedAt)
		}

		result, stepErr := e.executor.Execute(ctx, execution.ID, step, ec)
		if result != nil {
			totalCost += result.CostUSD
		}

		if stepErr != nil {
			tracing.SetError(span, stepErr, attribute.String(tracing.StepIDKey, step.StepID()))

			// The stored error keeps the underlying message verbatim;
			// the wrapper only names the failing step for the caller.
			message := stepErr.Error()

			var stepFailure *StepExecutionError
			if errors.As(stepErr, &stepFailure) {
				message = stepFailure.Err.Error()
			}

			failed, finishErr := e.finish(ctx, execution.ID, definition.ID, models.ExecutionStatusFailed, ec, totalCost, message, startedAt)
			if finishErr != nil {
				return nil, finishErr
			}

			return failed, stepErr
		}
	}

	if e.cancelled(execution.ID) {
		return e.finish(ctx, execution.ID, definition.ID, models.ExecutionStatusCancelled, ec, totalCost, "", startedAt)
	}

	return e.finish(ctx, execution.ID, definition.ID, models.ExecutionStatusCompleted, ec, totalCost, "", startedAt)
}

// finish moves the execution to a terminal status and publishes the
// matching lifecycle event. If another path already made the execution
// terminal, the stored state wins and only the cost is reconciled.
func (e *Engine) finish(ctx context.Context, executionID, workflowID string, status models.ExecutionStatus, ec *models.ExecutionContext, totalCost float64, errorMessage string, startedAt time.Time) (*models.WorkflowExecution, error) {
	current, err := e.gateway.ExecutionByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	output := make(map[string]any, len(ec.Steps))
	for key, stepOutput := range ec.Steps {
		output[key] = stepOutput.Output
	}

	if current.Status.Terminal() {
		if err := e.gateway.UpdateExecution(ctx, executionID, persistence.ExecutionPatch{
			TotalCostUSD: &totalCost,
		}); err != nil {
			return nil, err
		}

		return e.gateway.ExecutionByID(ctx, executionID)
	}

	now := time.Now().UTC()
	patch := persistence.ExecutionPatch{
		Status:       &status,
		Output:       output,
		TotalCostUSD: &totalCost,
		CompletedAt:  &now,
	}

	if errorMessage != "" {
		patch.Error = &errorMessage
	}

	if err := e.gateway.UpdateExecution(ctx, executionID, patch); err != nil {
		return nil, err
	}

	duration := now.Sub(startedAt)

	switch status {
	case models.ExecutionStatusCompleted:
		e.publish(ctx, events.ExecutionCompleted{
			BaseEvent:    e.baseEvent(events.ExecutionCompletedEvent, workflowID),
			ExecutionID:  executionID,
			Output:       output,
			TotalCostUSD: totalCost,
			Duration:     duration,
		})
	case models.ExecutionStatusFailed:
		e.publish(ctx, events.ExecutionFailed{
			BaseEvent:   e.baseEvent(events.ExecutionFailedEvent, workflowID),
			ExecutionID: executionID,
			Error:       errorMessage,
			Duration:    duration,
		})
	case models.ExecutionStatusCancelled:
		e.publish(ctx, events.ExecutionCancelled{
			BaseEvent:   e.baseEvent(events.ExecutionCancelledEvent, workflowID),
			ExecutionID: executionID,
		})
	}

	e.logger.InfoContext(ctx, "Workflow execution finished",
		"execution_id", executionID, "status", status, "total_cost_usd", totalCost)

	return e.gateway.ExecutionByID(ctx, executionID)
}

func (e *Engine) cancelled(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.cancelling[executionID]
}

func (e *Engine) baseEvent(eventType events.EventType, workflowID string) events.BaseEvent {
	return events.BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
	}
}

func (e *Engine) publish(ctx context.Context, event any) {
	if e.eventBus == nil {
		return
	}

	if err := e.eventBus.Publish(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "Failed to publish event", "error", err)
	}
}
