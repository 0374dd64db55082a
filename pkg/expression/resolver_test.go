package expression_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbparthas/testforge/pkg/expression"
	"github.com/pbparthas/testforge/pkg/models"
)

func testContext() *models.ExecutionContext {
	ec := models.NewExecutionContext("exec-1", "wf-1", map[string]any{
		"projectId":     "p1",
		"specification": "User login flow",
		"weird-key":     "bracketed",
	})

	ec.SetStepOutput("tests", map[string]any{
		"count": 3,
		"testCases": []any{
			map[string]any{"name": "happy path", "priority": "high"},
			map[string]any{"name": "bad password", "priority": "low"},
		},
	})

	return ec
}

func TestResolve(t *testing.T) {
	resolver := expression.NewResolver()
	ec := testContext()

	tests := []struct {
		name     string
		template any
		want     any
	}{
		{
			name:     "input member",
			template: "${input.projectId}",
			want:     "p1",
		},
		{
			name:     "step output member keeps its type",
			template: "${steps.tests.output.count}",
			want:     3,
		},
		{
			name:     "interpolation into surrounding text",
			template: "project ${input.projectId}!",
			want:     "project p1!",
		},
		{
			name:     "undefined single placeholder resolves to nil",
			template: "${input.missing}",
			want:     nil,
		},
		{
			name:     "undefined interpolates as empty string",
			template: "value: ${input.missing}",
			want:     "value: ",
		},
		{
			name:     "length pseudo-member",
			template: "${steps.tests.output.testCases.length}",
			want:     float64(2),
		},
		{
			name:     "index then member",
			template: "${steps.tests.output.testCases[1].name}",
			want:     "bad password",
		},
		{
			name:     "quoted bracket member",
			template: "${input['weird-key']}",
			want:     "bracketed",
		},
		{
			name:     "filter predicate",
			template: "${steps.tests.output.testCases.filter(t => t.priority === 'high').length}",
			want:     float64(1),
		},
		{
			name:     "non-template strings pass through",
			template: "plain text",
			want:     "plain text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolver.Resolve(tt.template, ec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveNestedTemplate(t *testing.T) {
	resolver := expression.NewResolver()
	ec := testContext()

	got, err := resolver.Resolve(map[string]any{
		"projectId": "${input.projectId}",
		"cases":     "${steps.tests.output.testCases}",
		"labels":    []any{"spec: ${input.specification}"},
	}, ec)
	require.NoError(t, err)

	resolved, ok := got.(map[string]any)
	require.True(t, ok)

	assert.Equal(t, "p1", resolved["projectId"])
	assert.Len(t, resolved["cases"], 2)
	assert.Equal(t, []any{"spec: User login flow"}, resolved["labels"])
}

func TestResolveRejectsUnknownRoot(t *testing.T) {
	resolver := expression.NewResolver()

	_, err := resolver.Resolve("${bogus.path}", testContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rooted at input or steps")
}

func TestResolveCondition(t *testing.T) {
	resolver := expression.NewResolver()
	ec := testContext()

	tests := []struct {
		name      string
		condition string
		want      bool
	}{
		{name: "numeric comparison", condition: "${steps.tests.output.count} > 0", want: true},
		{name: "strict equality with string literal", condition: "${input.projectId} === 'p1'", want: true},
		{name: "strict inequality", condition: "${steps.tests.output.count} !== 3", want: false},
		{name: "lone truthy operand", condition: "${input.projectId}", want: true},
		{name: "lone undefined operand is falsy", condition: "${input.missing}", want: false},
		{name: "two undefined operands are strictly equal", condition: "${input.missing} === ${input.alsoMissing}", want: true},
		{name: "ordering against undefined is false", condition: "${input.missing} > 0", want: false},
		{name: "length in condition", condition: "${steps.tests.output.testCases.length} >= 2", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolver.ResolveCondition(tt.condition, ec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveConditionMalformed(t *testing.T) {
	resolver := expression.NewResolver()

	_, err := resolver.ResolveCondition("${input.projectId} >", testContext())
	require.Error(t, err)
}

func TestEvaluateFieldRule(t *testing.T) {
	resolver := expression.NewResolver()

	tests := []struct {
		name      string
		value     any
		condition string
		want      bool
	}{
		{name: "length of slice", value: []any{"a", "b"}, condition: "length > 0", want: true},
		{name: "length of empty slice", value: []any{}, condition: "length > 0", want: false},
		{name: "nested member comparison", value: map[string]any{"count": float64(0)}, condition: "count === 0", want: true},
		{name: "bare truthiness", value: "x", condition: "", want: true},
		{name: "empty string is falsy", value: "", condition: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolver.EvaluateFieldRule(tt.value, tt.condition)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReferences(t *testing.T) {
	resolver := expression.NewResolver()

	refs := resolver.References(map[string]any{
		"testCases": "${steps.tests.output.testCases}",
		"framework": "${input.framework}",
	})
	assert.Equal(t, []string{"tests"}, refs)

	refs = resolver.References("${steps.diff.output.mismatches.length} > 0")
	assert.Equal(t, []string{"diff"}, refs)

	assert.Empty(t, resolver.References("${input.projectId}"))
	assert.Empty(t, resolver.References("no placeholders here"))
}
