package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/xeipuuv/gojsonschema"
)

// Operation is one callable capability of an agent.
type Operation func(ctx context.Context, input map[string]any) (*Result, error)

type registeredOperation struct {
	fn     Operation
	schema *gojsonschema.Schema
}

type registeredAgent struct {
	profile    Profile
	operations map[string]*registeredOperation
}

// Registry is a static mapping of agent name to operations. It is built at
// process start and injected into the engine, so tests substitute agents
// without global mutable state.
type Registry struct {
	logger *slog.Logger
	agents map[string]*registeredAgent
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger,
		agents: make(map[string]*registeredAgent),
	}
}

// RegisterAgent declares an agent and its billing profile. Registering an
// existing name replaces its profile and keeps its operations.
func (r *Registry) RegisterAgent(name string, profile Profile) {
	agent, ok := r.agents[name]
	if !ok {
		agent = &registeredAgent{operations: make(map[string]*registeredOperation)}
		r.agents[name] = agent
	}

	agent.profile = profile
}

// RegisterOperation attaches a callable to an agent. The optional input
// schema is compiled once and enforced on every call.
func (r *Registry) RegisterOperation(agent, operation string, inputSchema map[string]any, fn Operation) error {
	entry, ok := r.agents[agent]
	if !ok {
		return fmt.Errorf("agent %q not registered", agent)
	}

	registered := &registeredOperation{fn: fn}

	if inputSchema != nil {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(inputSchema))
		if err != nil {
			return fmt.Errorf("failed to compile input schema for %s.%s: %w", agent, operation, err)
		}

		registered.schema = schema
	}

	entry.operations[operation] = registered

	return nil
}

// Has reports whether an agent name is registered.
func (r *Registry) Has(agent string) bool {
	_, ok := r.agents[agent]

	return ok
}

// Profile returns the billing profile of an agent.
func (r *Registry) Profile(agent string) (Profile, bool) {
	entry, ok := r.agents[agent]
	if !ok {
		return Profile{}, false
	}

	return entry.profile, true
}

// Names returns all registered agent names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Call validates the input against the operation's schema and invokes it.
func (r *Registry) Call(ctx context.Context, agent, operation string, input map[string]any) (*Result, error) {
	entry, ok := r.agents[agent]
	if !ok {
		return nil, &UnknownAgentError{Agent: agent}
	}

	registered, ok := entry.operations[operation]
	if !ok {
		return nil, &UnknownAgentError{Agent: agent, Operation: operation}
	}

	if registered.schema != nil {
		result, err := registered.schema.Validate(gojsonschema.NewGoLoader(input))
		if err != nil {
			return nil, fmt.Errorf("failed to validate input for %s.%s: %w", agent, operation, err)
		}

		if !result.Valid() {
			return nil, fmt.Errorf("invalid input for %s.%s: %s", agent, operation, result.Errors()[0].String())
		}
	}

	r.logger.DebugContext(ctx, "Calling agent operation", "agent", agent, "operation", operation)

	return registered.fn(ctx, input)
}
