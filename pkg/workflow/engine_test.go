package workflow_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/pbparthas/testforge/pkg/agents"
	"github.com/pbparthas/testforge/pkg/events"
	"github.com/pbparthas/testforge/pkg/models"
	"github.com/pbparthas/testforge/pkg/persistence"
	"github.com/pbparthas/testforge/pkg/persistence/memory"
	"github.com/pbparthas/testforge/pkg/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// callCounter tracks agent invocations per agent name.
type callCounter struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCallCounter() *callCounter {
	return &callCounter{calls: make(map[string]int)}
}

func (c *callCounter) inc(agent string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[agent]++
}

func (c *callCounter) count(agent string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.calls[agent]
}

func stubOperation(counter *callCounter, agent string, data map[string]any, costUSD float64) agents.Operation {
	return func(_ context.Context, _ map[string]any) (*agents.Result, error) {
		counter.inc(agent)

		return &agents.Result{Data: data, Usage: agents.Usage{CostUSD: costUSD}}, nil
	}
}

func failingOperation(counter *callCounter, agent string, message string) agents.Operation {
	return func(_ context.Context, _ map[string]any) (*agents.Result, error) {
		counter.inc(agent)

		return nil, errors.New(message)
	}
}

func stubRegistry(t *testing.T, counter *callCounter) *agents.Registry {
	t.Helper()

	registry := agents.NewRegistry(testLogger())
	profile := agents.Profile{AvgOutputTokens: 500, InputCostPer1K: 0.003, OutputCostPer1K: 0.015}

	stubs := map[string]struct {
		operation string
		data      map[string]any
	}{
		agents.AgentTestWeaver:     {agents.OpGenerateTests, map[string]any{"testCases": []any{map[string]any{"name": "case-1"}}}},
		agents.AgentScriptSmith:    {agents.OpGenerateScripts, map[string]any{"scripts": []any{"script-1"}}},
		agents.AgentCodeGuardian:   {agents.OpDetectBugPatterns, map[string]any{"findings": []any{}}},
		agents.AgentVisualAnalysis: {agents.OpCompareScreenshots, map[string]any{"mismatches": []any{}}},
		agents.AgentBugPattern:     {agents.OpMatchKnownIssues, map[string]any{"matches": []any{}}},
		agents.AgentFlowPilot:      {agents.OpGenerateAPITests, map[string]any{"tests": []any{"api-1"}}},
		agents.AgentCodeAnalysis:   {agents.OpAnalyzeCoverage, map[string]any{"coverage": 0.8}},
		agents.AgentTestEvolution:  {agents.OpSuggestEvolutions, map[string]any{"suggestions": []any{}}},
	}

	for agent, stub := range stubs {
		registry.RegisterAgent(agent, profile)
		require.NoError(t, registry.RegisterOperation(agent, stub.operation, nil, stubOperation(counter, agent, stub.data, 0.015)))
	}

	registry.RegisterAgent("Flaky", agents.Profile{})
	require.NoError(t, registry.RegisterOperation("Flaky", "explode", nil, failingOperation(counter, "Flaky", "agent exploded")))

	return registry
}

func newTestEngine(t *testing.T) (*workflow.Engine, *callCounter) {
	t.Helper()

	counter := newCallCounter()
	engine := workflow.NewEngine(memory.NewGateway(), stubRegistry(t, counter), nil, nil, testLogger())

	return engine, counter
}

func TestExecuteFullTestSuite(t *testing.T) {
	engine, counter := newTestEngine(t)

	execution, err := engine.ExecuteWorkflow(context.Background(), workflow.WorkflowFullTestSuite, map[string]any{
		"specification": "User login flow",
		"projectId":     "p1",
	})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.InDelta(t, 0.045, execution.TotalCostUSD, 1e-9)
	assert.Contains(t, execution.Output, "tests")
	assert.Contains(t, execution.Output, "scripts")
	assert.Contains(t, execution.Output, "review")

	assert.Equal(t, 1, counter.count(agents.AgentTestWeaver))
	assert.Equal(t, 1, counter.count(agents.AgentScriptSmith))
	assert.Equal(t, 1, counter.count(agents.AgentCodeGuardian))

	assert.Equal(t, 3, execution.CompletedSteps())
	assert.NotNil(t, execution.CompletedAt)
}

func TestExecuteWorkflowRequiresProjectID(t *testing.T) {
	engine, counter := newTestEngine(t)

	_, err := engine.ExecuteWorkflow(context.Background(), workflow.WorkflowFullTestSuite, map[string]any{
		"specification": "User login flow",
	})
	require.ErrorIs(t, err, workflow.ErrProjectIDRequired)
	assert.EqualError(t, err, "projectId is required")

	assert.Zero(t, counter.count(agents.AgentTestWeaver))
}

func TestExecuteWorkflowUnknownName(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.ExecuteWorkflow(context.Background(), "nope", map[string]any{"projectId": "p1"})
	require.Error(t, err)
	assert.EqualError(t, err, "Unknown workflow: nope")

	var unknown *workflow.UnknownWorkflowError
	assert.ErrorAs(t, err, &unknown)
}

func TestConditionFalseSkipsThenBranch(t *testing.T) {
	engine, counter := newTestEngine(t)

	execution, err := engine.ExecuteWorkflow(context.Background(), workflow.WorkflowVisualRegression, map[string]any{
		"baseline":  "base.png",
		"candidate": "new.png",
		"projectId": "p1",
	})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Zero(t, counter.count(agents.AgentBugPattern))

	statuses := make(map[string]models.StepStatus)
	for _, record := range execution.Steps {
		statuses[record.StepID] = record.Status
	}

	assert.Equal(t, models.StepStatusSkipped, statuses["match-known-issues"])
	assert.Equal(t, models.StepStatusCompleted, statuses["triage-mismatches"])
}

func TestCancelCompletedExecution(t *testing.T) {
	engine, _ := newTestEngine(t)

	execution, err := engine.ExecuteWorkflow(context.Background(), workflow.WorkflowFullTestSuite, map[string]any{
		"specification": "spec",
		"projectId":     "p1",
	})
	require.NoError(t, err)

	_, err = engine.CancelWorkflow(context.Background(), execution.ID)
	require.Error(t, err)
	assert.EqualError(t, err, "Cannot cancel workflow with status: completed")

	var illegal *workflow.IllegalStateError
	assert.ErrorAs(t, err, &illegal)
}

func TestGetWorkflowStatusIdempotent(t *testing.T) {
	engine, _ := newTestEngine(t)

	execution, err := engine.ExecuteWorkflow(context.Background(), workflow.WorkflowFullTestSuite, map[string]any{
		"specification": "spec",
		"projectId":     "p1",
	})
	require.NoError(t, err)

	first, err := engine.GetWorkflowStatus(context.Background(), execution.ID)
	require.NoError(t, err)

	second, err := engine.GetWorkflowStatus(context.Background(), execution.ID)
	require.NoError(t, err)

	assert.Equal(t, 3, first.CompletedSteps)
	assert.Equal(t, 3, first.TotalSteps)
	assert.Equal(t, first.CompletedSteps, second.CompletedSteps)
	assert.Equal(t, first.TotalSteps, second.TotalSteps)
	assert.Equal(t, first.Status, second.Status)
	assert.GreaterOrEqual(t, first.ElapsedMs, int64(0))
	assert.NotNil(t, first.StartedAt)
}

func TestGetWorkflowStatusCountsOnlyCompletedSteps(t *testing.T) {
	engine, _ := newTestEngine(t)

	definition := &models.WorkflowDefinition{
		Name: "boom-first",
		Steps: models.Steps{
			&models.AgentStep{ID: "boom", Agent: "Flaky", Operation: "explode"},
		},
	}

	execution, err := engine.ExecuteCustomWorkflow(context.Background(), definition, map[string]any{"projectId": "p1"})
	require.Error(t, err)
	require.NotNil(t, execution)

	status, err := engine.GetWorkflowStatus(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, status.CompletedSteps)
	assert.Equal(t, 1, status.TotalSteps)
}

func TestCreateCustomWorkflowRejectsCycle(t *testing.T) {
	engine, _ := newTestEngine(t)

	definition := &models.WorkflowDefinition{
		Name: "cyclic",
		Steps: models.Steps{
			&models.AgentStep{
				ID:        "step-1",
				Agent:     agents.AgentTestWeaver,
				Operation: agents.OpGenerateTests,
				Input:     map[string]any{"seed": "${steps.step-2.output.value}"},
			},
			&models.AgentStep{
				ID:        "step-2",
				Agent:     agents.AgentScriptSmith,
				Operation: agents.OpGenerateScripts,
				Input:     map[string]any{"seed": "${steps.step-1.output.value}"},
			},
		},
	}

	_, err := engine.CreateCustomWorkflow(context.Background(), definition)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Circular dependency detected")
}

func TestCreateAndExecuteCustomWorkflow(t *testing.T) {
	engine, _ := newTestEngine(t)

	definition := &models.WorkflowDefinition{
		Name: "custom-suite",
		Steps: models.Steps{
			&models.AgentStep{
				ID:        "generate",
				Agent:     agents.AgentTestWeaver,
				Operation: agents.OpGenerateTests,
				Input:     map[string]any{"specification": "${input.specification}"},
				OutputKey: "tests",
			},
			&models.TransformStep{
				ID:        "report",
				Transform: map[string]any{"caseCount": "${steps.tests.output.testCases.length}"},
				OutputKey: "report",
			},
		},
	}

	created, err := engine.CreateCustomWorkflow(context.Background(), definition)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.True(t, created.Custom)

	execution, err := engine.ExecuteWorkflow(context.Background(), created.ID, map[string]any{
		"specification": "spec",
		"projectId":     "p1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)

	report, ok := execution.Output["report"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), report["caseCount"])
}

func TestParallelSiblingFailureKeepsSuccessfulCost(t *testing.T) {
	engine, counter := newTestEngine(t)

	definition := &models.WorkflowDefinition{
		Name: "flaky-parallel",
		Steps: models.Steps{
			&models.ParallelStep{
				ID: "fan-out",
				Branches: models.Steps{
					&models.AgentStep{
						ID:        "coverage",
						Agent:     agents.AgentCodeAnalysis,
						Operation: agents.OpAnalyzeCoverage,
						Input:     map[string]any{"projectId": "${input.projectId}"},
						OutputKey: "coverage",
					},
					&models.AgentStep{
						ID:        "boom",
						Agent:     "Flaky",
						Operation: "explode",
						OutputKey: "boom",
					},
				},
			},
		},
	}

	execution, err := engine.ExecuteCustomWorkflow(context.Background(), definition, map[string]any{"projectId": "p1"})
	require.Error(t, err)
	require.NotNil(t, execution)

	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Equal(t, "agent exploded", execution.Error)
	assert.InDelta(t, 0.015, execution.TotalCostUSD, 1e-9)

	assert.Equal(t, 1, counter.count(agents.AgentCodeAnalysis))
	assert.Equal(t, 1, counter.count("Flaky"))
}

func TestValidateStepFailureUsesRuleMessage(t *testing.T) {
	engine, _ := newTestEngine(t)

	definition := &models.WorkflowDefinition{
		Name: "gated",
		Steps: models.Steps{
			&models.AgentStep{
				ID:        "compare",
				Agent:     agents.AgentVisualAnalysis,
				Operation: agents.OpCompareScreenshots,
				OutputKey: "diff",
			},
			&models.ValidateStep{
				ID: "gate",
				Validation: models.Validation{
					Rules: []models.ValidationRule{
						{
							Field:     "${steps.diff.output.mismatches}",
							Condition: "length > 0",
							Message:   "no visual differences found",
						},
					},
				},
			},
		},
	}

	execution, err := engine.ExecuteCustomWorkflow(context.Background(), definition, map[string]any{"projectId": "p1"})
	require.Error(t, err)
	require.NotNil(t, execution)

	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Equal(t, "no visual differences found", execution.Error)

	var failed *workflow.ValidationFailedError
	assert.ErrorAs(t, err, &failed)
}

func TestAggregateMergesSources(t *testing.T) {
	engine, _ := newTestEngine(t)

	execution, err := engine.ExecuteWorkflow(context.Background(), workflow.WorkflowCodeQualityAudit, map[string]any{
		"repository": "git@example.com:demo.git",
		"projectId":  "p1",
	})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.InDelta(t, 0.03, execution.TotalCostUSD, 1e-9)

	report, ok := execution.Output["audit-report"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, report, "coverage")
	assert.Contains(t, report, "suggestions")
}

func TestEstimateCostGrowsWithInput(t *testing.T) {
	engine, counter := newTestEngine(t)

	short, err := engine.EstimateCost(context.Background(), workflow.WorkflowFullTestSuite, map[string]any{
		"specification": "User login flow",
		"projectId":     "p1",
	})
	require.NoError(t, err)

	long, err := engine.EstimateCost(context.Background(), workflow.WorkflowFullTestSuite, map[string]any{
		"specification": strings.Repeat("User login flow ", 100),
		"projectId":     "p1",
	})
	require.NoError(t, err)

	assert.Greater(t, long.TotalUSD, short.TotalUSD)
	assert.Greater(t, long.EstimatedTokens, short.EstimatedTokens)
	assert.Positive(t, short.EstimatedTokens)
	assert.Len(t, short.Breakdown, 3)

	// The first step's template pulls the specification from the input,
	// so its resolved payload carries real tokens.
	assert.Positive(t, short.Breakdown[0].InputTokens)

	// A dry run must never touch an agent.
	assert.Zero(t, counter.count(agents.AgentTestWeaver))
}

func TestEstimateCostCountsBothConditionBranches(t *testing.T) {
	engine, _ := newTestEngine(t)

	estimate, err := engine.EstimateCost(context.Background(), workflow.WorkflowVisualRegression, map[string]any{"projectId": "p1"})
	require.NoError(t, err)

	names := make([]string, 0, len(estimate.Breakdown))
	for _, step := range estimate.Breakdown {
		names = append(names, step.Agent)
	}

	assert.Contains(t, names, agents.AgentVisualAnalysis)
	assert.Contains(t, names, agents.AgentBugPattern)
}

func TestListWorkflows(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.CreateCustomWorkflow(context.Background(), &models.WorkflowDefinition{
		Name: "mine",
		Steps: models.Steps{
			&models.AgentStep{ID: "one", Agent: agents.AgentTestWeaver, Operation: agents.OpGenerateTests},
		},
	})
	require.NoError(t, err)

	summaries, err := engine.ListWorkflows(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 5)

	assert.Equal(t, workflow.WorkflowFullTestSuite, summaries[0].Name)
	assert.False(t, summaries[0].Custom)
	assert.Equal(t, "mine", summaries[4].Name)
	assert.True(t, summaries[4].Custom)
}

func TestCancelRunningExecution(t *testing.T) {
	engine, _ := newTestEngine(t)

	execution, err := engine.ExecuteWorkflow(context.Background(), workflow.WorkflowFullTestSuite, map[string]any{
		"specification": "spec",
		"projectId":     "p1",
	})
	require.NoError(t, err)

	// The synchronous run already completed, so the cancellation window
	// has closed; assert the terminal status is never overwritten.
	cancelled, err := engine.CancelWorkflow(context.Background(), execution.ID)
	require.Error(t, err)
	assert.Nil(t, cancelled)

	current, err := engine.GetWorkflowStatus(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, current.Status)
}

func TestExecuteCustomWorkflowUnknownAgentFailsExecution(t *testing.T) {
	engine, _ := newTestEngine(t)

	definition := &models.WorkflowDefinition{
		Name: "unchecked",
		Steps: models.Steps{
			&models.AgentStep{ID: "ghost", Agent: "Nonexistent", Operation: "do-things"},
		},
	}

	execution, err := engine.ExecuteCustomWorkflow(context.Background(), definition, map[string]any{"projectId": "p1"})
	require.Error(t, err)
	require.NotNil(t, execution)

	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Equal(t, "Unknown agent: Nonexistent", execution.Error)

	var unknown *agents.UnknownAgentError
	assert.ErrorAs(t, err, &unknown)
}

// stepWriteRejectingGateway rejects the completion write of one step,
// standing in for a persistence layer that refuses an update.
type stepWriteRejectingGateway struct {
	persistence.Gateway

	rejectStep string

	mu      sync.Mutex
	records map[string]string
}

func newStepWriteRejectingGateway(rejectStep string) *stepWriteRejectingGateway {
	return &stepWriteRejectingGateway{
		Gateway:    memory.NewGateway(),
		rejectStep: rejectStep,
		records:    make(map[string]string),
	}
}

func (g *stepWriteRejectingGateway) CreateStep(ctx context.Context, executionID, stepID string) (*models.StepExecutionRecord, error) {
	record, err := g.Gateway.CreateStep(ctx, executionID, stepID)
	if err == nil {
		g.mu.Lock()
		g.records[record.ID] = stepID
		g.mu.Unlock()
	}

	return record, err
}

func (g *stepWriteRejectingGateway) UpdateStep(ctx context.Context, executionID, recordID string, patch persistence.StepPatch) error {
	g.mu.Lock()
	stepID := g.records[recordID]
	g.mu.Unlock()

	if stepID == g.rejectStep && patch.Status != nil && *patch.Status == models.StepStatusCompleted {
		return errors.New("step row rejected")
	}

	return g.Gateway.UpdateStep(ctx, executionID, recordID, patch)
}

func TestStepRecordWriteRejectionFailsWorkflow(t *testing.T) {
	counter := newCallCounter()
	gateway := newStepWriteRejectingGateway("generate-tests")
	engine := workflow.NewEngine(gateway, stubRegistry(t, counter), nil, nil, testLogger())

	execution, err := engine.ExecuteWorkflow(context.Background(), workflow.WorkflowFullTestSuite, map[string]any{
		"specification": "User login flow",
		"projectId":     "p1",
	})
	require.Error(t, err)
	require.NotNil(t, execution)

	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Equal(t, "step row rejected", execution.Error)

	// The failure happened after the agent call, before the next step.
	assert.Equal(t, 1, counter.count(agents.AgentTestWeaver))
	assert.Zero(t, counter.count(agents.AgentScriptSmith))
}

// recordingBus captures every published event in order.
type recordingBus struct {
	mu     sync.Mutex
	events []any
}

func (b *recordingBus) Publish(_ context.Context, event any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, event)

	return nil
}

func (b *recordingBus) all() []any {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]any(nil), b.events...)
}

func TestLifecycleEventsIncludeStepCompletions(t *testing.T) {
	counter := newCallCounter()
	bus := &recordingBus{}
	engine := workflow.NewEngine(memory.NewGateway(), stubRegistry(t, counter), bus, nil, testLogger())

	_, err := engine.ExecuteWorkflow(context.Background(), workflow.WorkflowFullTestSuite, map[string]any{
		"specification": "User login flow",
		"projectId":     "p1",
	})
	require.NoError(t, err)

	var started, completed int

	stepIDs := make([]string, 0, 3)

	for _, event := range bus.all() {
		switch e := event.(type) {
		case events.ExecutionStarted:
			started++
		case events.StepCompleted:
			stepIDs = append(stepIDs, e.StepID)
		case events.ExecutionCompleted:
			completed++
		}
	}

	assert.Equal(t, 1, started)
	assert.Equal(t, 1, completed)
	assert.Equal(t, []string{"generate-tests", "generate-scripts", "review-scripts"}, stepIDs)
}

func TestAgentFailurePublishesStepFailedEvent(t *testing.T) {
	counter := newCallCounter()
	bus := &recordingBus{}
	engine := workflow.NewEngine(memory.NewGateway(), stubRegistry(t, counter), bus, nil, testLogger())

	definition := &models.WorkflowDefinition{
		Name: "boom",
		Steps: models.Steps{
			&models.AgentStep{ID: "boom", Agent: "Flaky", Operation: "explode"},
		},
	}

	_, err := engine.ExecuteCustomWorkflow(context.Background(), definition, map[string]any{"projectId": "p1"})
	require.Error(t, err)

	var stepFailed, executionFailed int

	for _, event := range bus.all() {
		switch e := event.(type) {
		case events.StepFailed:
			stepFailed++

			assert.Equal(t, "boom", e.StepID)
			assert.Equal(t, "agent exploded", e.Error)
		case events.ExecutionFailed:
			executionFailed++
		}
	}

	assert.Equal(t, 1, stepFailed)
	assert.Equal(t, 1, executionFailed)
}

func TestExecutionOpensSpanPerStep(t *testing.T) {
	counter := newCallCounter()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := provider.Tracer("testforge-test")

	engine := workflow.NewEngine(memory.NewGateway(), stubRegistry(t, counter), nil, tracer, testLogger())

	_, err := engine.ExecuteWorkflow(context.Background(), workflow.WorkflowFullTestSuite, map[string]any{
		"specification": "User login flow",
		"projectId":     "p1",
	})
	require.NoError(t, err)

	names := make(map[string]int)
	for _, span := range recorder.Ended() {
		names[span.Name()]++
	}

	assert.Equal(t, 1, names["workflow.execute"])
	assert.Equal(t, 3, names["workflow.step"])
}
