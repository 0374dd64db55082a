package expression

import (
	"fmt"
	"strconv"
	"strings"
)

// part is one segment of a compiled template string: literal text or an
// embedded path expression.
type part struct {
	text string
	expr node
}

// compiledTemplate is a template string parsed once and evaluated per
// context. A template that is exactly one placeholder returns the raw typed
// value; otherwise placeholders are interpolated into the surrounding text.
type compiledTemplate struct {
	parts []part
}

func (t *compiledTemplate) single() (node, bool) {
	if len(t.parts) == 1 && t.parts[0].expr != nil {
		return t.parts[0].expr, true
	}

	return nil, false
}

// compileTemplate splits a string into literal text and ${...} placeholders.
func compileTemplate(src string) (*compiledTemplate, error) {
	parts := make([]part, 0, 1)
	rest := src

	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			if rest != "" {
				parts = append(parts, part{text: rest})
			}

			break
		}

		if start > 0 {
			parts = append(parts, part{text: rest[:start]})
		}

		body := rest[start+2:]

		end, err := findPlaceholderEnd(body)
		if err != nil {
			return nil, fmt.Errorf("unterminated placeholder in %q", src)
		}

		expr, err := parsePath(body[:end])
		if err != nil {
			return nil, err
		}

		parts = append(parts, part{expr: expr})
		rest = body[end+1:]
	}

	return &compiledTemplate{parts: parts}, nil
}

// findPlaceholderEnd locates the closing brace of a placeholder body,
// skipping braces inside quoted filter literals.
func findPlaceholderEnd(body string) (int, error) {
	var quote byte

	for i := 0; i < len(body); i++ {
		c := body[i]

		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '}':
			return i, nil
		}
	}

	return 0, fmt.Errorf("missing closing brace")
}

// compiledCondition is a boolean expression: one operand tested for
// truthiness, or two operands joined by a comparison operator.
type compiledCondition struct {
	left  operand
	op    CompareOp
	hasOp bool
	right operand
}

// operand is either an embedded path expression or a literal.
type operand struct {
	expr    node
	literal any
}

func (o operand) eval(doc map[string]any) (any, bool) {
	if o.expr != nil {
		return o.expr.eval(doc)
	}

	return o.literal, true
}

func compileCondition(src string) (*compiledCondition, error) {
	p := &parser{src: src}

	left, err := p.operand()
	if err != nil {
		return nil, fmt.Errorf("invalid condition %q: %w", src, err)
	}

	cond := &compiledCondition{left: left}

	p.skipSpace()

	if !p.done() {
		op, err := p.compareOp()
		if err != nil {
			return nil, fmt.Errorf("invalid condition %q: %w", src, err)
		}

		right, err := p.operand()
		if err != nil {
			return nil, fmt.Errorf("invalid condition %q: %w", src, err)
		}

		cond.op = op
		cond.hasOp = true
		cond.right = right

		p.skipSpace()

		if !p.done() {
			return nil, fmt.Errorf("invalid condition %q: trailing input", src)
		}
	}

	return cond, nil
}

// compiledRule is a validate-step rule condition evaluated against an
// already-resolved field value, e.g. "length > 0".
type compiledRule struct {
	accessors []string
	op        CompareOp
	hasOp     bool
	literal   any
}

func compileRule(src string) (*compiledRule, error) {
	p := &parser{src: src}
	rule := &compiledRule{}

	p.skipSpace()

	for p.peekIdentStart() {
		name := p.ident()
		rule.accessors = append(rule.accessors, name)

		if !p.consume('.') {
			break
		}
	}

	p.skipSpace()

	if !p.done() {
		op, err := p.compareOp()
		if err != nil {
			return nil, fmt.Errorf("invalid rule condition %q: %w", src, err)
		}

		literal, err := p.literal()
		if err != nil {
			return nil, fmt.Errorf("invalid rule condition %q: %w", src, err)
		}

		rule.op = op
		rule.hasOp = true
		rule.literal = literal

		p.skipSpace()

		if !p.done() {
			return nil, fmt.Errorf("invalid rule condition %q: trailing input", src)
		}
	}

	return rule, nil
}

// parsePath parses one placeholder body: dotted/bracket member access rooted
// at input or steps, with the length pseudo-member and a single filter
// predicate.
func parsePath(src string) (node, error) {
	p := &parser{src: src}

	p.skipSpace()

	root := p.ident()
	if root != "input" && root != "steps" {
		return nil, fmt.Errorf("path %q must be rooted at input or steps", src)
	}

	var current node = &rootNode{name: root}

	for {
		switch {
		case p.consume('.'):
			name := p.ident()
			if name == "" {
				return nil, fmt.Errorf("path %q: expected member name", src)
			}

			if name == "filter" && p.peek() == '(' {
				filter, err := p.filterPredicate(current)
				if err != nil {
					return nil, fmt.Errorf("path %q: %w", src, err)
				}

				current = filter

				continue
			}

			current = &memberNode{target: current, name: name}
		case p.consume('['):
			index, err := p.bracketIndex(current)
			if err != nil {
				return nil, fmt.Errorf("path %q: %w", src, err)
			}

			current = index
		default:
			p.skipSpace()

			if !p.done() {
				return nil, fmt.Errorf("path %q: unexpected %q", src, p.peek())
			}

			return current, nil
		}
	}
}

type parser struct {
	src string
	pos int
}

func (p *parser) done() bool {
	return p.pos >= len(p.src)
}

func (p *parser) peek() byte {
	if p.done() {
		return 0
	}

	return p.src[p.pos]
}

func (p *parser) consume(c byte) bool {
	if p.peek() == c {
		p.pos++

		return true
	}

	return false
}

func (p *parser) skipSpace() {
	for !p.done() && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) peekIdentStart() bool {
	c := p.peek()

	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func (p *parser) ident() string {
	start := p.pos

	for !p.done() {
		c := p.src[p.pos]
		if c == '_' || c == '-' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			p.pos++

			continue
		}

		break
	}

	return p.src[start:p.pos]
}

func (p *parser) bracketIndex(target node) (node, error) {
	p.skipSpace()

	if p.peek() == '\'' || p.peek() == '"' {
		name, err := p.quoted()
		if err != nil {
			return nil, err
		}

		p.skipSpace()

		if !p.consume(']') {
			return nil, fmt.Errorf("expected closing bracket")
		}

		return &memberNode{target: target, name: name}, nil
	}

	start := p.pos
	for !p.done() && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
		p.pos++
	}

	if start == p.pos {
		return nil, fmt.Errorf("expected index")
	}

	index, err := strconv.Atoi(p.src[start:p.pos])
	if err != nil {
		return nil, err
	}

	p.skipSpace()

	if !p.consume(']') {
		return nil, fmt.Errorf("expected closing bracket")
	}

	return &indexNode{target: target, index: index}, nil
}

// filterPredicate parses (x => x.field OP literal) with the opening paren
// pending.
func (p *parser) filterPredicate(target node) (node, error) {
	if !p.consume('(') {
		return nil, fmt.Errorf("expected filter predicate")
	}

	p.skipSpace()

	param := p.ident()
	if param == "" {
		return nil, fmt.Errorf("expected filter parameter")
	}

	p.skipSpace()

	if !strings.HasPrefix(p.src[p.pos:], "=>") {
		return nil, fmt.Errorf("expected => in filter predicate")
	}

	p.pos += 2
	p.skipSpace()

	subject := p.ident()
	if subject != param {
		return nil, fmt.Errorf("filter predicate must reference parameter %q", param)
	}

	if !p.consume('.') {
		return nil, fmt.Errorf("expected field access on filter parameter")
	}

	field := p.ident()
	if field == "" {
		return nil, fmt.Errorf("expected field name in filter predicate")
	}

	op, err := p.compareOp()
	if err != nil {
		return nil, err
	}

	literal, err := p.literal()
	if err != nil {
		return nil, err
	}

	p.skipSpace()

	if !p.consume(')') {
		return nil, fmt.Errorf("expected closing paren in filter predicate")
	}

	return &filterNode{target: target, field: field, op: op, literal: literal}, nil
}

func (p *parser) compareOp() (CompareOp, error) {
	p.skipSpace()

	rest := p.src[p.pos:]

	for _, op := range []CompareOp{OpStrictEqual, OpStrictNotEqual, OpGreaterOrEqual, OpLessOrEqual, OpGreater, OpLess} {
		if strings.HasPrefix(rest, string(op)) {
			p.pos += len(op)

			return op, nil
		}
	}

	return "", fmt.Errorf("expected comparison operator")
}

func (p *parser) literal() (any, error) {
	p.skipSpace()

	c := p.peek()

	switch {
	case c == '\'' || c == '"':
		return p.quoted()
	case c == '-' || (c >= '0' && c <= '9'):
		start := p.pos

		p.consume('-')
		for !p.done() && ((p.src[p.pos] >= '0' && p.src[p.pos] <= '9') || p.src[p.pos] == '.') {
			p.pos++
		}

		return strconv.ParseFloat(p.src[start:p.pos], 64)
	default:
		word := p.ident()
		switch word {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null":
			return nil, nil
		}

		return nil, fmt.Errorf("expected literal, got %q", word)
	}
}

func (p *parser) quoted() (string, error) {
	quote := p.peek()
	p.pos++

	start := p.pos

	for !p.done() {
		if p.src[p.pos] == quote {
			value := p.src[start:p.pos]
			p.pos++

			return value, nil
		}

		p.pos++
	}

	return "", fmt.Errorf("unterminated string literal")
}

// operand parses a condition operand: a ${...} placeholder or a literal.
func (p *parser) operand() (operand, error) {
	p.skipSpace()

	if strings.HasPrefix(p.src[p.pos:], "${") {
		p.pos += 2

		end, err := findPlaceholderEnd(p.src[p.pos:])
		if err != nil {
			return operand{}, err
		}

		expr, err := parsePath(p.src[p.pos : p.pos+end])
		if err != nil {
			return operand{}, err
		}

		p.pos += end + 1

		return operand{expr: expr}, nil
	}

	literal, err := p.literal()
	if err != nil {
		return operand{}, err
	}

	return operand{literal: literal}, nil
}
