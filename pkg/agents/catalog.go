package agents

// Built-in agent names. Each is an independent AI-backed capability
// collaborator reached through the capability service.
const (
	AgentTestWeaver     = "TestWeaver"     // test case generation
	AgentScriptSmith    = "ScriptSmith"    // executable script generation
	AgentCodeGuardian   = "CodeGuardian"   // bug-pattern detection and review
	AgentVisualAnalysis = "VisualAnalysis" // screenshot visual diffing
	AgentBugPattern     = "BugPattern"     // known-issue matching
	AgentFlowPilot      = "FlowPilot"      // API flow test generation
	AgentCodeAnalysis   = "CodeAnalysis"   // coverage analysis
	AgentTestEvolution  = "TestEvolution"  // test suite improvement suggestions
)

// Built-in operation names.
const (
	OpGenerateTests      = "generate-tests"
	OpGenerateScripts    = "generate-scripts"
	OpDetectBugPatterns  = "detect-bug-patterns"
	OpCompareScreenshots = "compare-screenshots"
	OpMatchKnownIssues   = "match-known-issues"
	OpGenerateAPITests   = "generate-api-tests"
	OpAnalyzeCoverage    = "analyze-coverage"
	OpSuggestEvolutions  = "suggest-evolutions"
)

type catalogEntry struct {
	agent     string
	operation string
	schema    map[string]any
	profile   Profile
}

func projectScopedSchema(required ...string) map[string]any {
	properties := map[string]any{
		"projectId": map[string]any{"type": "string"},
	}
	for _, field := range required {
		properties[field] = map[string]any{}
	}

	return map[string]any{
		"type":       "object",
		"properties": properties,
	}
}

func builtinCatalog() []catalogEntry {
	return []catalogEntry{
		{
			agent:     AgentTestWeaver,
			operation: OpGenerateTests,
			schema:    projectScopedSchema("specification"),
			profile:   Profile{AvgOutputTokens: 2200, InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
		},
		{
			agent:     AgentScriptSmith,
			operation: OpGenerateScripts,
			schema:    projectScopedSchema("tests"),
			profile:   Profile{AvgOutputTokens: 3000, InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
		},
		{
			agent:     AgentCodeGuardian,
			operation: OpDetectBugPatterns,
			schema:    projectScopedSchema("scripts"),
			profile:   Profile{AvgOutputTokens: 1500, InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
		},
		{
			agent:     AgentVisualAnalysis,
			operation: OpCompareScreenshots,
			schema:    projectScopedSchema("baselineUrl", "candidateUrl"),
			profile:   Profile{AvgOutputTokens: 900, InputCostPer1K: 0.005, OutputCostPer1K: 0.02},
		},
		{
			agent:     AgentBugPattern,
			operation: OpMatchKnownIssues,
			schema:    projectScopedSchema("mismatches"),
			profile:   Profile{AvgOutputTokens: 1100, InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
		},
		{
			agent:     AgentFlowPilot,
			operation: OpGenerateAPITests,
			schema:    projectScopedSchema("specification"),
			profile:   Profile{AvgOutputTokens: 2600, InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
		},
		{
			agent:     AgentCodeAnalysis,
			operation: OpAnalyzeCoverage,
			schema:    projectScopedSchema(),
			profile:   Profile{AvgOutputTokens: 1800, InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
		},
		{
			agent:     AgentTestEvolution,
			operation: OpSuggestEvolutions,
			schema:    projectScopedSchema(),
			profile:   Profile{AvgOutputTokens: 1600, InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
		},
	}
}

// RegisterBuiltins wires every built-in agent operation to the capability
// service client.
func RegisterBuiltins(registry *Registry, client *Client) error {
	for _, entry := range builtinCatalog() {
		registry.RegisterAgent(entry.agent, entry.profile)

		err := registry.RegisterOperation(entry.agent, entry.operation, entry.schema, client.Operation(entry.agent, entry.operation))
		if err != nil {
			return err
		}
	}

	return nil
}
