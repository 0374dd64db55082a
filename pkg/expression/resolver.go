package expression

import (
	"strings"
	"sync"

	"github.com/pbparthas/testforge/pkg/models"
)

// Resolver evaluates templates against an execution context. Parsed
// templates are cached so repeated executions of one definition reuse the
// AST.
type Resolver struct {
	mu         sync.RWMutex
	templates  map[string]*compiledTemplate
	conditions map[string]*compiledCondition
	rules      map[string]*compiledRule
}

// NewResolver creates a resolver with empty caches.
func NewResolver() *Resolver {
	return &Resolver{
		templates:  make(map[string]*compiledTemplate),
		conditions: make(map[string]*compiledCondition),
		rules:      make(map[string]*compiledRule),
	}
}

// Resolve evaluates a template value: a string, or an object/array whose
// leaf strings may contain ${path} placeholders. A string that is exactly
// one placeholder yields the raw typed value; otherwise placeholders are
// interpolated into the surrounding text. Undefined paths resolve to nil
// without error.
func (r *Resolver) Resolve(template any, ec *models.ExecutionContext) (any, error) {
	doc := document(ec)

	return r.resolveValue(template, doc)
}

func (r *Resolver) resolveValue(template any, doc map[string]any) (any, error) {
	switch v := template.(type) {
	case string:
		return r.resolveString(v, doc)
	case map[string]any:
		resolved := make(map[string]any, len(v))

		for key, value := range v {
			entry, err := r.resolveValue(value, doc)
			if err != nil {
				return nil, err
			}

			resolved[key] = entry
		}

		return resolved, nil
	case []any:
		resolved := make([]any, len(v))

		for i, value := range v {
			entry, err := r.resolveValue(value, doc)
			if err != nil {
				return nil, err
			}

			resolved[i] = entry
		}

		return resolved, nil
	default:
		return template, nil
	}
}

func (r *Resolver) resolveString(template string, doc map[string]any) (any, error) {
	if !strings.Contains(template, "${") {
		return template, nil
	}

	compiled, err := r.template(template)
	if err != nil {
		return nil, err
	}

	if expr, ok := compiled.single(); ok {
		value, defined := expr.eval(doc)
		if !defined {
			return nil, nil
		}

		return value, nil
	}

	var builder strings.Builder

	for _, p := range compiled.parts {
		if p.expr == nil {
			builder.WriteString(p.text)

			continue
		}

		value, defined := p.expr.eval(doc)
		builder.WriteString(stringify(value, defined))
	}

	return builder.String(), nil
}

// ResolveCondition evaluates a condition expression to a boolean. A lone
// operand is tested for truthiness; an undefined operand is falsy.
func (r *Resolver) ResolveCondition(condition string, ec *models.ExecutionContext) (bool, error) {
	compiled, err := r.condition(condition)
	if err != nil {
		return false, err
	}

	doc := document(ec)

	left, leftDefined := compiled.left.eval(doc)
	if !compiled.hasOp {
		return truthy(left, leftDefined), nil
	}

	right, rightDefined := compiled.right.eval(doc)

	return compare(compiled.op, left, leftDefined, right, rightDefined), nil
}

// EvaluateFieldRule applies a validate-rule condition such as "length > 0"
// to an already-resolved field value.
func (r *Resolver) EvaluateFieldRule(value any, condition string) (bool, error) {
	compiled, err := r.rule(condition)
	if err != nil {
		return false, err
	}

	subject := value
	defined := true

	for _, accessor := range compiled.accessors {
		if !defined {
			break
		}

		subject, defined = member(subject, accessor)
	}

	if !compiled.hasOp {
		return truthy(subject, defined), nil
	}

	return compare(compiled.op, subject, defined, compiled.literal, true), nil
}

// References returns the step context keys mentioned by ${steps.<key>...}
// placeholders anywhere in the template value, including condition strings.
// Malformed placeholders are ignored here; they surface as resolution
// errors at execution time.
func (r *Resolver) References(template any) []string {
	seen := make(map[string]bool)
	refs := make([]string, 0)

	collectReferences(template, seen, &refs)

	return refs
}

func collectReferences(template any, seen map[string]bool, refs *[]string) {
	switch v := template.(type) {
	case string:
		collectStringReferences(v, seen, refs)
	case map[string]any:
		for _, value := range v {
			collectReferences(value, seen, refs)
		}
	case []any:
		for _, value := range v {
			collectReferences(value, seen, refs)
		}
	}
}

func collectStringReferences(template string, seen map[string]bool, refs *[]string) {
	rest := template

	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			return
		}

		body := rest[start+2:]

		end, err := findPlaceholderEnd(body)
		if err != nil {
			return
		}

		if key, ok := stepReference(body[:end]); ok && !seen[key] {
			seen[key] = true
			*refs = append(*refs, key)
		}

		rest = body[end+1:]
	}
}

func stepReference(path string) (string, bool) {
	expr, err := parsePath(path)
	if err != nil {
		return "", false
	}

	// Walk down to the root, remembering the member directly above it.
	var key string

	for {
		switch n := expr.(type) {
		case *rootNode:
			if n.name == "steps" && key != "" {
				return key, true
			}

			return "", false
		case *memberNode:
			key = n.name
			expr = n.target
		case *indexNode:
			key = ""
			expr = n.target
		case *filterNode:
			key = ""
			expr = n.target
		default:
			return "", false
		}
	}
}

func (r *Resolver) template(src string) (*compiledTemplate, error) {
	r.mu.RLock()
	cached, ok := r.templates[src]
	r.mu.RUnlock()

	if ok {
		return cached, nil
	}

	compiled, err := compileTemplate(src)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.templates[src] = compiled
	r.mu.Unlock()

	return compiled, nil
}

func (r *Resolver) condition(src string) (*compiledCondition, error) {
	r.mu.RLock()
	cached, ok := r.conditions[src]
	r.mu.RUnlock()

	if ok {
		return cached, nil
	}

	compiled, err := compileCondition(src)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.conditions[src] = compiled
	r.mu.Unlock()

	return compiled, nil
}

func (r *Resolver) rule(src string) (*compiledRule, error) {
	r.mu.RLock()
	cached, ok := r.rules[src]
	r.mu.RUnlock()

	if ok {
		return cached, nil
	}

	compiled, err := compileRule(src)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.rules[src] = compiled
	r.mu.Unlock()

	return compiled, nil
}

// document projects the execution context into the two roots the grammar
// may address.
func document(ec *models.ExecutionContext) map[string]any {
	steps := make(map[string]any, len(ec.Steps))
	for key, entry := range ec.Steps {
		steps[key] = map[string]any{"output": entry.Output}
	}

	var input any
	if ec.Input != nil {
		input = ec.Input
	}

	doc := map[string]any{"steps": steps}
	if input != nil {
		doc["input"] = input
	}

	return doc
}
