// Package expression implements the restricted ${...} path and comparison
// grammar used between workflow steps. Templates are parsed once into a
// reusable AST and evaluated per execution context; there is no general
// scripting, no side effects, and no access outside input and step outputs.
package expression

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// CompareOp is the closed comparison operator set shared by conditions,
// filter predicates, and validation rules.
type CompareOp string

const (
	OpStrictEqual    CompareOp = "==="
	OpStrictNotEqual CompareOp = "!=="
	OpGreater        CompareOp = ">"
	OpGreaterOrEqual CompareOp = ">="
	OpLess           CompareOp = "<"
	OpLessOrEqual    CompareOp = "<="
)

// node is one evaluable element of a parsed path expression. Evaluation
// reports a defined flag instead of failing: an undefined path propagates
// as undefined without an error.
type node interface {
	eval(doc map[string]any) (any, bool)
}

// rootNode is the expression root, either "input" or "steps".
type rootNode struct {
	name string
}

func (n *rootNode) eval(doc map[string]any) (any, bool) {
	value, ok := doc[n.name]

	return value, ok
}

// memberNode is dotted or bracket-string member access. The pseudo-member
// "length" falls back to the container's element count when the container
// carries no literal "length" key.
type memberNode struct {
	target node
	name   string
}

func (n *memberNode) eval(doc map[string]any) (any, bool) {
	value, ok := n.target.eval(doc)
	if !ok {
		return nil, false
	}

	return member(value, n.name)
}

func member(value any, name string) (any, bool) {
	if container, ok := value.(map[string]any); ok {
		if entry, exists := container[name]; exists {
			return entry, true
		}
	}

	if name == "length" {
		return lengthOf(value)
	}

	return nil, false
}

func lengthOf(value any) (any, bool) {
	switch v := value.(type) {
	case string:
		return float64(len(v)), true
	case []any:
		return float64(len(v)), true
	case map[string]any:
		return float64(len(v)), true
	default:
		return nil, false
	}
}

// indexNode is bracket access with an integer index.
type indexNode struct {
	target node
	index  int
}

func (n *indexNode) eval(doc map[string]any) (any, bool) {
	value, ok := n.target.eval(doc)
	if !ok {
		return nil, false
	}

	list, ok := value.([]any)
	if !ok || n.index < 0 || n.index >= len(list) {
		return nil, false
	}

	return list[n.index], true
}

// filterNode is a single-predicate filter over an array:
// .filter(x => x.field OP literal).
type filterNode struct {
	target  node
	field   string
	op      CompareOp
	literal any
}

func (n *filterNode) eval(doc map[string]any) (any, bool) {
	value, ok := n.target.eval(doc)
	if !ok {
		return nil, false
	}

	list, ok := value.([]any)
	if !ok {
		return nil, false
	}

	filtered := make([]any, 0, len(list))

	for _, item := range list {
		fieldValue, defined := member(item, n.field)
		if compare(n.op, fieldValue, defined, n.literal, true) {
			filtered = append(filtered, item)
		}
	}

	return filtered, true
}

// compare applies op to two operands, each with a defined flag. Ordering
// comparisons involving an undefined operand are false; strict equality
// treats two undefined operands as equal.
func compare(op CompareOp, left any, leftDefined bool, right any, rightDefined bool) bool {
	switch op {
	case OpStrictEqual:
		if !leftDefined || !rightDefined {
			return leftDefined == rightDefined
		}

		return looseEqual(left, right)
	case OpStrictNotEqual:
		if !leftDefined || !rightDefined {
			return leftDefined != rightDefined
		}

		return !looseEqual(left, right)
	case OpGreater, OpGreaterOrEqual, OpLess, OpLessOrEqual:
		if !leftDefined || !rightDefined {
			return false
		}

		return ordered(op, left, right)
	default:
		return false
	}
}

func looseEqual(left, right any) bool {
	if leftNum, ok := toFloat(left); ok {
		if rightNum, okRight := toFloat(right); okRight {
			return leftNum == rightNum
		}

		return false
	}

	return reflect.DeepEqual(left, right)
}

func ordered(op CompareOp, left, right any) bool {
	if leftNum, ok := toFloat(left); ok {
		if rightNum, okRight := toFloat(right); okRight {
			return orderedFloat(op, leftNum, rightNum)
		}

		return false
	}

	leftStr, leftOK := left.(string)
	rightStr, rightOK := right.(string)

	if leftOK && rightOK {
		switch op {
		case OpGreater:
			return leftStr > rightStr
		case OpGreaterOrEqual:
			return leftStr >= rightStr
		case OpLess:
			return leftStr < rightStr
		case OpLessOrEqual:
			return leftStr <= rightStr
		}
	}

	return false
}

func orderedFloat(op CompareOp, left, right float64) bool {
	switch op {
	case OpGreater:
		return left > right
	case OpGreaterOrEqual:
		return left >= right
	case OpLess:
		return left < right
	case OpLessOrEqual:
		return left <= right
	default:
		return false
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		parsed, err := v.Float64()

		return parsed, err == nil
	default:
		return 0, false
	}
}

// truthy follows the source-language falsy set: undefined, null, false,
// zero, and the empty string.
func truthy(value any, defined bool) bool {
	if !defined || value == nil {
		return false
	}

	switch v := value.(type) {
	case bool:
		return v
	case string:
		return v != ""
	default:
		if num, ok := toFloat(value); ok {
			return num != 0
		}

		return true
	}
}

// stringify renders a resolved value into an interpolated string. Undefined
// renders empty.
func stringify(value any, defined bool) string {
	if !defined || value == nil {
		return ""
	}

	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatFloat(v, 'f', 0, 64)
		}

		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}

		return string(encoded)
	}
}
