package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pbparthas/testforge/pkg/agents"
	"github.com/pbparthas/testforge/pkg/eventbus"
	"github.com/pbparthas/testforge/pkg/events"
	"github.com/pbparthas/testforge/pkg/expression"
	"github.com/pbparthas/testforge/pkg/models"
	"github.com/pbparthas/testforge/pkg/persistence"
	"github.com/pbparthas/testforge/pkg/tracing"
)

// StepResult carries what a step produced back to the caller. Outputs
// maps context keys to the values the step wrote, CostUSD is the spend
// the step accumulated. A failed parallel step still returns the
// outputs and cost of its successful branches alongside the error.
type StepResult struct {
	Outputs map[string]any
	CostUSD float64
}

// AgentCaller is the slice of the agent registry the executor invokes.
type AgentCaller interface {
	Call(ctx context.Context, agent, operation string, input map[string]any) (*agents.Result, error)
}

// StepExecutor runs a single step of any type, recording its lifecycle
// through the persistence gateway and writing outputs into the
// execution context.
type StepExecutor struct {
	agents   AgentCaller
	resolver *expression.Resolver
	gateway  persistence.Gateway
	eventBus eventbus.EventPublisher
	tracer   trace.Tracer
	logger   *slog.Logger
}

func NewStepExecutor(agentCaller AgentCaller, resolver *expression.Resolver, gateway persistence.Gateway, eventBus eventbus.EventPublisher, tracer trace.Tracer, logger *slog.Logger) *StepExecutor {
	return &StepExecutor{
		agents:   agentCaller,
		resolver: resolver,
		gateway:  gateway,
		eventBus: eventBus,
		tracer:   tracer,
		logger:   logger.With("module", "step_executor"),
	}
}

// Execute runs one step inside its own span and dispatches on the
// step's concrete type.
func (e *StepExecutor) Execute(ctx context.Context, executionID string, step models.Step, ec *models.ExecutionContext) (*StepResult, error) {
	ctx, span := tracing.StartSpan(ctx, e.tracer, "workflow.step",
		attribute.String(tracing.StepIDKey, step.StepID()),
		attribute.String(tracing.StepTypeKey, string(step.StepType())),
	)
	defer span.End()

	result, err := e.execute(ctx, executionID, step, ec)
	if err != nil {
		tracing.SetError(span, err)
	}

	return result, err
}

func (e *StepExecutor) execute(ctx context.Context, executionID string, step models.Step, ec *models.ExecutionContext) (*StepResult, error) {
	switch s := step.(type) {
	case *models.AgentStep:
		return e.executeAgent(ctx, executionID, s, ec)
	case *models.ConditionStep:
		return e.executeCondition(ctx, executionID, s, ec)
	case *models.ParallelStep:
		return e.executeParallel(ctx, executionID, s, ec)
	case *models.AggregateStep:
		return e.executeAggregate(ctx, executionID, s, ec)
	case *models.TransformStep:
		return e.executeTransform(ctx, executionID, s, ec)
	case *models.ValidateStep:
		return e.executeValidate(ctx, executionID, s, ec)
	}

	return nil, &StepExecutionError{StepID: step.StepID(), Err: fmt.Errorf("Invalid step type: %s", step.StepType())}
}

func (e *StepExecutor) executeAgent(ctx context.Context, executionID string, step *models.AgentStep, ec *models.ExecutionContext) (*StepResult, error) {
	record, err := e.startRecord(ctx, executionID, step.ID)
	if err != nil {
		return nil, &StepExecutionError{StepID: step.ID, Err: err}
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String(tracing.AgentKey, step.Agent),
		attribute.String(tracing.OperationKey, step.Operation),
	)

	resolved, err := e.resolver.Resolve(step.Input, ec)
	if err != nil {
		e.failRecord(ctx, ec, record, err)

		return nil, &StepExecutionError{StepID: step.ID, Err: err}
	}

	input, _ := resolved.(map[string]any)
	if input == nil {
		input = make(map[string]any)
	}

	e.logger.DebugContext(ctx, "Calling agent",
		"step_id", step.ID, "agent", step.Agent, "operation", step.Operation)

	result, err := e.agents.Call(ctx, step.Agent, step.Operation, input)
	if err != nil {
		e.failRecord(ctx, ec, record, err)

		return nil, &StepExecutionError{StepID: step.ID, Err: err}
	}

	key := step.ContextKey()
	ec.SetStepOutput(key, result.Data)

	stepResult := &StepResult{
		Outputs: map[string]any{key: result.Data},
		CostUSD: result.Usage.CostUSD,
	}

	if err := e.completeRecord(ctx, ec, record, result.Data, result.Usage.CostUSD); err != nil {
		e.failRecord(ctx, ec, record, err)

		return stepResult, &StepExecutionError{StepID: step.ID, Err: err}
	}

	return stepResult, nil
}

func (e *StepExecutor) executeCondition(ctx context.Context, executionID string, step *models.ConditionStep, ec *models.ExecutionContext) (*StepResult, error) {
	record, err := e.startRecord(ctx, executionID, step.ID)
	if err != nil {
		return nil, &StepExecutionError{StepID: step.ID, Err: err}
	}

	taken, err := e.resolver.ResolveCondition(step.Condition, ec)
	if err != nil {
		e.failRecord(ctx, ec, record, err)

		return nil, &StepExecutionError{StepID: step.ID, Err: err}
	}

	branch, skipped := step.Then, step.Else
	if !taken {
		branch, skipped = step.Else, step.Then
	}

	e.recordSkipped(ctx, executionID, skipped)

	result := &StepResult{Outputs: make(map[string]any)}

	for _, branchStep := range branch {
		branchResult, err := e.Execute(ctx, executionID, branchStep, ec)
		if branchResult != nil {
			result.CostUSD += branchResult.CostUSD

			for key, value := range branchResult.Outputs {
				result.Outputs[key] = value
			}
		}

		if err != nil {
			e.failRecord(ctx, ec, record, err)

			return result, err
		}
	}

	if err := e.completeRecord(ctx, ec, record, map[string]any{"condition": taken}, 0); err != nil {
		e.failRecord(ctx, ec, record, err)

		return result, &StepExecutionError{StepID: step.ID, Err: err}
	}

	return result, nil
}

// executeParallel runs every branch concurrently against a snapshot of
// the context and joins on all of them. Outputs of successful branches
// are merged back into the parent context even when a sibling failed,
// so their cost is never lost.
func (e *StepExecutor) executeParallel(ctx context.Context, executionID string, step *models.ParallelStep, ec *models.ExecutionContext) (*StepResult, error) {
	record, err := e.startRecord(ctx, executionID, step.ID)
	if err != nil {
		return nil, &StepExecutionError{StepID: step.ID, Err: err}
	}

	type branchOutcome struct {
		result *StepResult
		err    error
	}

	outcomes := make([]branchOutcome, len(step.Branches))

	var wg sync.WaitGroup

	for i, branch := range step.Branches {
		wg.Add(1)

		snapshot := ec.Snapshot()

		go func(i int, branch models.Step, snapshot *models.ExecutionContext) {
			defer wg.Done()

			result, err := e.Execute(ctx, executionID, branch, snapshot)
			outcomes[i] = branchOutcome{result: result, err: err}
		}(i, branch, snapshot)
	}

	wg.Wait()

	result := &StepResult{Outputs: make(map[string]any)}

	var firstErr error

	for _, outcome := range outcomes {
		if outcome.result != nil {
			result.CostUSD += outcome.result.CostUSD

			if outcome.err == nil {
				for key, value := range outcome.result.Outputs {
					result.Outputs[key] = value
				}
			}
		}

		if outcome.err != nil && firstErr == nil {
			firstErr = outcome.err
		}
	}

	ec.Merge(result.Outputs)

	if firstErr != nil {
		e.failRecord(ctx, ec, record, firstErr)

		return result, firstErr
	}

	if err := e.completeRecord(ctx, ec, record, map[string]any{"branches": len(step.Branches)}, 0); err != nil {
		e.failRecord(ctx, ec, record, err)

		return result, &StepExecutionError{StepID: step.ID, Err: err}
	}

	return result, nil
}

func (e *StepExecutor) executeAggregate(ctx context.Context, executionID string, step *models.AggregateStep, ec *models.ExecutionContext) (*StepResult, error) {
	record, err := e.startRecord(ctx, executionID, step.ID)
	if err != nil {
		return nil, &StepExecutionError{StepID: step.ID, Err: err}
	}

	if step.AggregateFunction != models.AggregateFunctionMerge {
		err := fmt.Errorf("unsupported aggregate function: %s", step.AggregateFunction)
		e.failRecord(ctx, ec, record, err)

		return nil, &StepExecutionError{StepID: step.ID, Err: err}
	}

	merged := make(map[string]any)

	for _, source := range step.Sources {
		value, ok := ec.StepOutputValue(source)
		if !ok {
			continue
		}

		if asMap, isMap := value.(map[string]any); isMap {
			for key, v := range asMap {
				merged[key] = v
			}

			continue
		}

		merged[source] = value
	}

	key := step.OutputKey
	if key == "" {
		key = step.ID
	}

	ec.SetStepOutput(key, merged)

	stepResult := &StepResult{Outputs: map[string]any{key: merged}}

	if err := e.completeRecord(ctx, ec, record, merged, 0); err != nil {
		e.failRecord(ctx, ec, record, err)

		return stepResult, &StepExecutionError{StepID: step.ID, Err: err}
	}

	return stepResult, nil
}

func (e *StepExecutor) executeTransform(ctx context.Context, executionID string, step *models.TransformStep, ec *models.ExecutionContext) (*StepResult, error) {
	record, err := e.startRecord(ctx, executionID, step.ID)
	if err != nil {
		return nil, &StepExecutionError{StepID: step.ID, Err: err}
	}

	resolved, err := e.resolver.Resolve(step.Transform, ec)
	if err != nil {
		e.failRecord(ctx, ec, record, err)

		return nil, &StepExecutionError{StepID: step.ID, Err: err}
	}

	key := step.OutputKey
	if key == "" {
		key = step.ID
	}

	ec.SetStepOutput(key, resolved)

	stepResult := &StepResult{Outputs: map[string]any{key: resolved}}

	if err := e.completeRecord(ctx, ec, record, resolved, 0); err != nil {
		e.failRecord(ctx, ec, record, err)

		return stepResult, &StepExecutionError{StepID: step.ID, Err: err}
	}

	return stepResult, nil
}

func (e *StepExecutor) executeValidate(ctx context.Context, executionID string, step *models.ValidateStep, ec *models.ExecutionContext) (*StepResult, error) {
	record, err := e.startRecord(ctx, executionID, step.ID)
	if err != nil {
		return nil, &StepExecutionError{StepID: step.ID, Err: err}
	}

	for _, rule := range step.Validation.Rules {
		value, err := e.resolver.Resolve(rule.Field, ec)
		if err != nil {
			e.failRecord(ctx, ec, record, err)

			return nil, &StepExecutionError{StepID: step.ID, Err: err}
		}

		ok, err := e.resolver.EvaluateFieldRule(value, rule.Condition)
		if err != nil {
			e.failRecord(ctx, ec, record, err)

			return nil, &StepExecutionError{StepID: step.ID, Err: err}
		}

		if !ok {
			failure := &ValidationFailedError{Message: rule.Message}
			e.failRecord(ctx, ec, record, failure)

			return nil, &StepExecutionError{StepID: step.ID, Err: failure}
		}
	}

	if err := e.completeRecord(ctx, ec, record, map[string]any{"valid": true}, 0); err != nil {
		e.failRecord(ctx, ec, record, err)

		return nil, &StepExecutionError{StepID: step.ID, Err: err}
	}

	return &StepResult{Outputs: map[string]any{}}, nil
}

// recordSkipped marks a subtree of steps as skipped, nested branches
// included, so execution history shows every step the definition named.
func (e *StepExecutor) recordSkipped(ctx context.Context, executionID string, steps models.Steps) {
	for _, step := range steps.Flatten() {
		record, err := e.gateway.CreateStep(ctx, executionID, step.StepID())
		if err != nil {
			e.logger.WarnContext(ctx, "Failed to record skipped step", "step_id", step.StepID(), "error", err)

			continue
		}

		status := models.StepStatusSkipped
		if err := e.gateway.UpdateStep(ctx, executionID, record.ID, persistence.StepPatch{Status: &status}); err != nil {
			e.logger.WarnContext(ctx, "Failed to mark step skipped", "step_id", step.StepID(), "error", err)
		}
	}
}

func (e *StepExecutor) startRecord(ctx context.Context, executionID, stepID string) (*models.StepExecutionRecord, error) {
	record, err := e.gateway.CreateStep(ctx, executionID, stepID)
	if err != nil {
		return nil, err
	}

	status := models.StepStatusRunning
	now := time.Now().UTC()

	if err := e.gateway.UpdateStep(ctx, executionID, record.ID, persistence.StepPatch{
		Status:    &status,
		StartedAt: &now,
	}); err != nil {
		return nil, err
	}

	record.Status = status
	record.StartedAt = &now

	return record, nil
}

// completeRecord persists the completed step record. A gateway rejection
// is returned to the caller and becomes the step's failure.
func (e *StepExecutor) completeRecord(ctx context.Context, ec *models.ExecutionContext, record *models.StepExecutionRecord, output any, costUSD float64) error {
	status := models.StepStatusCompleted
	now := time.Now().UTC()

	if err := e.gateway.UpdateStep(ctx, ec.ExecutionID, record.ID, persistence.StepPatch{
		Status:      &status,
		Output:      &output,
		CostUSD:     &costUSD,
		CompletedAt: &now,
	}); err != nil {
		return err
	}

	var duration time.Duration
	if record.StartedAt != nil {
		duration = now.Sub(*record.StartedAt)
	}

	e.publish(ctx, events.StepCompleted{
		BaseEvent:   e.baseEvent(events.StepCompletedEvent, ec.WorkflowID),
		ExecutionID: ec.ExecutionID,
		StepID:      record.StepID,
		Output:      output,
		CostUSD:     costUSD,
		Duration:    duration,
	})

	return nil
}

// failRecord is best effort: the step is already failing, so a gateway
// rejection here is only logged.
func (e *StepExecutor) failRecord(ctx context.Context, ec *models.ExecutionContext, record *models.StepExecutionRecord, failure error) {
	status := models.StepStatusFailed
	message := failure.Error()
	now := time.Now().UTC()

	if err := e.gateway.UpdateStep(ctx, ec.ExecutionID, record.ID, persistence.StepPatch{
		Status:      &status,
		Error:       &message,
		CompletedAt: &now,
	}); err != nil {
		e.logger.WarnContext(ctx, "Failed to record step failure", "step_id", record.StepID, "error", err)
	}

	e.publish(ctx, events.StepFailed{
		BaseEvent:   e.baseEvent(events.StepFailedEvent, ec.WorkflowID),
		ExecutionID: ec.ExecutionID,
		StepID:      record.StepID,
		Error:       message,
	})
}

func (e *StepExecutor) publish(ctx context.Context, event any) {
	if e.eventBus == nil {
		return
	}

	if err := e.eventBus.Publish(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "Failed to publish event", "error", err)
	}
}

func (e *StepExecutor) baseEvent(eventType events.EventType, workflowID string) events.BaseEvent {
	return events.BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
	}
}
