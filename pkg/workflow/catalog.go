package workflow

import (
	"time"

	"github.com/pbparthas/testforge/pkg/agents"
	"github.com/pbparthas/testforge/pkg/models"
)

// Predefined workflow names.
const (
	WorkflowFullTestSuite    = "full-test-suite"
	WorkflowVisualRegression = "visual-regression-flow"
	WorkflowAPITestFlow      = "api-test-flow"
	WorkflowCodeQualityAudit = "code-quality-audit"
)

// PredefinedWorkflowNames returns the catalog names in their canonical order.
func PredefinedWorkflowNames() []string {
	return []string{
		WorkflowFullTestSuite,
		WorkflowVisualRegression,
		WorkflowAPITestFlow,
		WorkflowCodeQualityAudit,
	}
}

// PredefinedWorkflows builds the fixed workflow catalog. Definitions are
// rebuilt on every call so callers can never mutate shared state.
func PredefinedWorkflows() map[string]*models.WorkflowDefinition {
	catalogBirth := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)

	fullTestSuite := &models.WorkflowDefinition{
		ID:          WorkflowFullTestSuite,
		Name:        WorkflowFullTestSuite,
		Description: "Generate test cases, turn them into executable scripts and review the scripts for bug patterns.",
		Steps: models.Steps{
			&models.AgentStep{
				ID:        "generate-tests",
				Agent:     agents.AgentTestWeaver,
				Operation: agents.OpGenerateTests,
				Input: map[string]any{
					"specification": "${input.specification}",
					"projectId":     "${input.projectId}",
				},
				OutputKey: "tests",
			},
			&models.AgentStep{
				ID:        "generate-scripts",
				Agent:     agents.AgentScriptSmith,
				Operation: agents.OpGenerateScripts,
				Input: map[string]any{
					"testCases": "${steps.tests.output.testCases}",
					"framework": "${input.framework}",
					"projectId": "${input.projectId}",
				},
				OutputKey: "scripts",
			},
			&models.AgentStep{
				ID:        "review-scripts",
				Agent:     agents.AgentCodeGuardian,
				Operation: agents.OpDetectBugPatterns,
				Input: map[string]any{
					"code":      "${steps.scripts.output.scripts}",
					"projectId": "${input.projectId}",
				},
				OutputKey: "review",
			},
		},
		CreatedAt: catalogBirth,
		UpdatedAt: catalogBirth,
	}

	visualRegression := &models.WorkflowDefinition{
		ID:          WorkflowVisualRegression,
		Name:        WorkflowVisualRegression,
		Description: "Compare screenshots against the baseline and match any mismatches to known issues.",
		Steps: models.Steps{
			&models.AgentStep{
				ID:        "compare",
				Agent:     agents.AgentVisualAnalysis,
				Operation: agents.OpCompareScreenshots,
				Input: map[string]any{
					"baseline":  "${input.baseline}",
					"candidate": "${input.candidate}",
					"projectId": "${input.projectId}",
				},
				OutputKey: "diff",
			},
			&models.ConditionStep{
				ID:        "triage-mismatches",
				Condition: "${steps.diff.output.mismatches.length} > 0",
				Then: models.Steps{
					&models.AgentStep{
						ID:        "match-known-issues",
						Agent:     agents.AgentBugPattern,
						Operation: agents.OpMatchKnownIssues,
						Input: map[string]any{
							"mismatches": "${steps.diff.output.mismatches}",
							"projectId":  "${input.projectId}",
						},
						OutputKey: "knownIssues",
					},
				},
			},
		},
		CreatedAt: catalogBirth,
		UpdatedAt: catalogBirth,
	}

	apiTestFlow := &models.WorkflowDefinition{
		ID:          WorkflowAPITestFlow,
		Name:        WorkflowAPITestFlow,
		Description: "Generate API flow tests from an endpoint specification and review them.",
		Steps: models.Steps{
			&models.AgentStep{
				ID:        "generate-api-tests",
				Agent:     agents.AgentFlowPilot,
				Operation: agents.OpGenerateAPITests,
				Input: map[string]any{
					"endpoints": "${input.endpoints}",
					"projectId": "${input.projectId}",
				},
				OutputKey: "apiTests",
			},
			&models.AgentStep{
				ID:        "review-api-tests",
				Agent:     agents.AgentCodeGuardian,
				Operation: agents.OpDetectBugPatterns,
				Input: map[string]any{
					"code":      "${steps.apiTests.output.tests}",
					"projectId": "${input.projectId}",
				},
				OutputKey: "apiReview",
			},
		},
		CreatedAt: catalogBirth,
		UpdatedAt: catalogBirth,
	}

	codeQualityAudit := &models.WorkflowDefinition{
		ID:          WorkflowCodeQualityAudit,
		Name:        WorkflowCodeQualityAudit,
		Description: "Run coverage analysis and test evolution suggestions in parallel and merge the findings.",
		Steps: models.Steps{
			&models.ParallelStep{
				ID: "audit",
				Branches: models.Steps{
					&models.AgentStep{
						ID:        "analyze-coverage",
						Agent:     agents.AgentCodeAnalysis,
						Operation: agents.OpAnalyzeCoverage,
						Input: map[string]any{
							"repository": "${input.repository}",
							"projectId":  "${input.projectId}",
						},
						OutputKey: "coverage",
					},
					&models.AgentStep{
						ID:        "suggest-evolutions",
						Agent:     agents.AgentTestEvolution,
						Operation: agents.OpSuggestEvolutions,
						Input: map[string]any{
							"repository": "${input.repository}",
							"projectId":  "${input.projectId}",
						},
						OutputKey: "evolutions",
					},
				},
			},
			&models.AggregateStep{
				ID:                "combine-findings",
				Sources:           []string{"coverage", "evolutions"},
				AggregateFunction: models.AggregateFunctionMerge,
				OutputKey:         "audit-report",
			},
		},
		CreatedAt: catalogBirth,
		UpdatedAt: catalogBirth,
	}

	return map[string]*models.WorkflowDefinition{
		WorkflowFullTestSuite:    fullTestSuite,
		WorkflowVisualRegression: visualRegression,
		WorkflowAPITestFlow:      apiTestFlow,
		WorkflowCodeQualityAudit: codeQualityAudit,
	}
}
