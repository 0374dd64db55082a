package models_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbparthas/testforge/pkg/models"
)

const workflowJSON = `{
	"id": "wf-1",
	"name": "sample",
	"steps": [
		{
			"type": "agent",
			"id": "generate",
			"agent": "TestWeaver",
			"operation": "generate-tests",
			"input": {"specification": "${input.specification}"},
			"outputKey": "tests"
		},
		{
			"type": "condition",
			"id": "gate",
			"condition": "${steps.tests.output.testCases.length} > 0",
			"then": [
				{
					"type": "agent",
					"id": "script",
					"agent": "ScriptSmith",
					"operation": "generate-scripts"
				}
			],
			"else": [
				{
					"type": "transform",
					"id": "empty-report",
					"transform": {"summary": "no tests generated"}
				}
			]
		},
		{
			"type": "parallel",
			"id": "fan-out",
			"branches": [
				{
					"type": "aggregate",
					"id": "combine",
					"sources": ["tests"],
					"aggregateFunction": "merge"
				},
				{
					"type": "validate",
					"id": "check",
					"validation": {
						"rules": [
							{"field": "${steps.tests.output.testCases}", "condition": "length > 0", "message": "no test cases"}
						]
					}
				}
			]
		}
	]
}`

func TestWorkflowDefinitionUnmarshal(t *testing.T) {
	definition := &models.WorkflowDefinition{}
	require.NoError(t, json.Unmarshal([]byte(workflowJSON), definition))

	require.Len(t, definition.Steps, 3)

	agent, ok := definition.Steps[0].(*models.AgentStep)
	require.True(t, ok)
	assert.Equal(t, "TestWeaver", agent.Agent)
	assert.Equal(t, "tests", agent.ContextKey())

	condition, ok := definition.Steps[1].(*models.ConditionStep)
	require.True(t, ok)
	require.Len(t, condition.Then, 1)
	require.Len(t, condition.Else, 1)
	assert.IsType(t, &models.TransformStep{}, condition.Else[0])

	parallel, ok := definition.Steps[2].(*models.ParallelStep)
	require.True(t, ok)
	require.Len(t, parallel.Branches, 2)

	validate, ok := parallel.Branches[1].(*models.ValidateStep)
	require.True(t, ok)
	require.Len(t, validate.Validation.Rules, 1)
	assert.Equal(t, "no test cases", validate.Validation.Rules[0].Message)
}

func TestStepsUnmarshalRejectsUnknownType(t *testing.T) {
	var steps models.Steps

	err := json.Unmarshal([]byte(`[{"type": "teleport", "id": "x"}]`), &steps)
	require.Error(t, err)
	assert.EqualError(t, err, "Invalid step type: teleport")
}

func TestStepsMarshalRoundTrip(t *testing.T) {
	definition := &models.WorkflowDefinition{}
	require.NoError(t, json.Unmarshal([]byte(workflowJSON), definition))

	encoded, err := json.Marshal(definition)
	require.NoError(t, err)

	decoded := &models.WorkflowDefinition{}
	require.NoError(t, json.Unmarshal(encoded, decoded))

	assert.Equal(t, definition.Steps, decoded.Steps)
}

func TestStepsFlatten(t *testing.T) {
	definition := &models.WorkflowDefinition{}
	require.NoError(t, json.Unmarshal([]byte(workflowJSON), definition))

	ids := make([]string, 0)
	for _, step := range definition.Steps.Flatten() {
		ids = append(ids, step.StepID())
	}

	assert.Equal(t, []string{"generate", "gate", "script", "empty-report", "fan-out", "combine", "check"}, ids)
}

func TestAgentStepContextKeyFallsBackToID(t *testing.T) {
	step := &models.AgentStep{ID: "review", Agent: "CodeGuardian", Operation: "detect-bug-patterns"}
	assert.Equal(t, "review", step.ContextKey())
}

func TestWorkflowDefinitionAgents(t *testing.T) {
	definition := &models.WorkflowDefinition{}
	require.NoError(t, json.Unmarshal([]byte(workflowJSON), definition))

	assert.Equal(t, []string{"TestWeaver", "ScriptSmith"}, definition.Agents())
}
