package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Condition is a node in an evaluable condition tree. The tree is a
// tagged variant so evaluation is exhaustive over node kinds.
type Condition interface {
	kind() string
}

// Leaf compares one field against a value.
type Leaf struct {
	Field    string
	Operator string
	Value    any
}

// And matches when every child matches. An empty child list matches.
type And struct {
	Children []Condition
}

// Or matches when any child matches. An empty child list does not match.
type Or struct {
	Children []Condition
}

// Not inverts its single child.
type Not struct {
	Child Condition
}

func (Leaf) kind() string { return "leaf" }
func (And) kind() string  { return "and" }
func (Or) kind() string   { return "or" }
func (Not) kind() string  { return "not" }

// Condition trace reasons for leaves that fail closed.
const (
	ReasonUnresolved = "unresolved"
	ReasonTypeError  = "type_error"
	ReasonMalformed  = "malformed_condition"
)

// ConditionTrace records how a node actually evaluated. For and/or it
// lists only the children that were evaluated before the short-circuit.
type ConditionTrace struct {
	Kind     string            `json:"kind"`
	Matched  bool              `json:"matched"`
	Field    string            `json:"field,omitempty"`
	Operator string            `json:"operator,omitempty"`
	Value    any               `json:"value,omitempty"`
	Actual   any               `json:"actual,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Children []*ConditionTrace `json:"children,omitempty"`
}

var validOperators = map[string]bool{
	"eq": true, "neq": true,
	"gt": true, "gte": true, "lt": true, "lte": true,
	"contains": true, "in": true, "exists": true,
}

// ParseCondition decodes a canonical condition tree. A nil condition
// (empty or null input) means the rule matches unconditionally.
func ParseCondition(raw json.RawMessage) (Condition, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == "{}" {
		return nil, nil
	}

	var node map[string]json.RawMessage
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("condition must be an object: %w", err)
	}

	if children, ok := node["and"]; ok {
		kids, err := parseChildren(children)
		if err != nil {
			return nil, err
		}
		return And{Children: kids}, nil
	}
	if children, ok := node["or"]; ok {
		kids, err := parseChildren(children)
		if err != nil {
			return nil, err
		}
		return Or{Children: kids}, nil
	}
	if child, ok := node["not"]; ok {
		kid, err := ParseCondition(child)
		if err != nil {
			return nil, err
		}
		if kid == nil {
			return nil, fmt.Errorf("not requires a child condition")
		}
		return Not{Child: kid}, nil
	}

	return parseLeaf(node)
}

func parseChildren(raw json.RawMessage) ([]Condition, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("combinator children must be an array: %w", err)
	}
	kids := make([]Condition, 0, len(items))
	for _, item := range items {
		kid, err := ParseCondition(item)
		if err != nil {
			return nil, err
		}
		if kid != nil {
			kids = append(kids, kid)
		}
	}
	return kids, nil
}

func parseLeaf(node map[string]json.RawMessage) (Condition, error) {
	rawField, ok := node["field"]
	if !ok {
		return nil, fmt.Errorf("condition leaf missing field")
	}
	var field string
	if err := json.Unmarshal(rawField, &field); err != nil || field == "" {
		return nil, fmt.Errorf("condition field must be a non-empty string")
	}

	rawOp, ok := node["op"]
	if !ok {
		rawOp, ok = node["operator"]
	}
	if !ok {
		return nil, fmt.Errorf("condition leaf missing operator")
	}
	var op string
	if err := json.Unmarshal(rawOp, &op); err != nil {
		return nil, fmt.Errorf("condition operator must be a string")
	}
	if !validOperators[op] {
		return nil, fmt.Errorf("unknown operator %q", op)
	}

	var value any
	if rawValue, ok := node["value"]; ok {
		if err := json.Unmarshal(rawValue, &value); err != nil {
			return nil, fmt.Errorf("condition value: %w", err)
		}
	}

	return Leaf{Field: field, Operator: op, Value: value}, nil
}

// EvaluateConditions walks the tree against trigger facts and resolved
// variables. Leaves never error; missing data and bad types fail closed
// with a trace reason. A nil tree matches unconditionally.
func EvaluateConditions(cond Condition, facts, resolved map[string]any) (bool, *ConditionTrace) {
	if cond == nil {
		return true, &ConditionTrace{Kind: "empty", Matched: true}
	}

	switch n := cond.(type) {
	case Leaf:
		return evalLeaf(n, facts, resolved)

	case And:
		trace := &ConditionTrace{Kind: "and", Matched: true}
		for _, child := range n.Children {
			ok, childTrace := EvaluateConditions(child, facts, resolved)
			trace.Children = append(trace.Children, childTrace)
			if !ok {
				trace.Matched = false
				break
			}
		}
		return trace.Matched, trace

	case Or:
		trace := &ConditionTrace{Kind: "or", Matched: false}
		for _, child := range n.Children {
			ok, childTrace := EvaluateConditions(child, facts, resolved)
			trace.Children = append(trace.Children, childTrace)
			if ok {
				trace.Matched = true
				break
			}
		}
		return trace.Matched, trace

	case Not:
		ok, childTrace := EvaluateConditions(n.Child, facts, resolved)
		trace := &ConditionTrace{Kind: "not", Matched: !ok, Children: []*ConditionTrace{childTrace}}
		return trace.Matched, trace
	}

	return false, &ConditionTrace{Kind: "unknown", Matched: false, Reason: ReasonMalformed}
}

func evalLeaf(leaf Leaf, facts, resolved map[string]any) (bool, *ConditionTrace) {
	trace := &ConditionTrace{
		Kind:     "leaf",
		Field:    leaf.Field,
		Operator: leaf.Operator,
		Value:    leaf.Value,
	}

	actual, found := resolveField(leaf.Field, facts, resolved)
	if found {
		trace.Actual = actual
	}

	if leaf.Operator == "exists" {
		trace.Matched = found && actual != nil
		return trace.Matched, trace
	}

	if !found || actual == nil {
		trace.Reason = ReasonUnresolved
		return false, trace
	}

	matched, reason := compare(actual, leaf.Operator, leaf.Value)
	trace.Matched = matched
	trace.Reason = reason
	return matched, trace
}

// resolveField takes var.* fields from resolved variables and everything
// else from the trigger facts by dotted path. A bare field name that
// matches a resolved variable key also resolves from variables.
func resolveField(field string, facts, resolved map[string]any) (any, bool) {
	if key, ok := strings.CutPrefix(field, "var."); ok {
		v, found := resolved[key]
		return v, found
	}
	if v, found := resolved[field]; found {
		return v, true
	}
	return lookupPath(facts, field)
}

// lookupPath traverses nested maps by dotted path.
func lookupPath(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = m
	for _, part := range parts {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func compare(actual any, op string, expected any) (bool, string) {
	switch op {
	case "eq":
		return looseEqual(actual, expected), ""
	case "neq":
		return !looseEqual(actual, expected), ""

	case "gt", "gte", "lt", "lte":
		a, okA := toFloat64(actual)
		b, okB := toFloat64(expected)
		if !okA || !okB {
			return false, ReasonTypeError
		}
		switch op {
		case "gt":
			return a > b, ""
		case "gte":
			return a >= b, ""
		case "lt":
			return a < b, ""
		default:
			return a <= b, ""
		}

	case "contains":
		if list, ok := actual.([]any); ok {
			for _, item := range list {
				if looseEqual(item, expected) {
					return true, ""
				}
			}
			return false, ""
		}
		haystack, okA := actual.(string)
		needle, okB := expected.(string)
		if !okA || !okB {
			return false, ReasonTypeError
		}
		return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle)), ""

	case "in":
		list, ok := expected.([]any)
		if !ok {
			return false, ReasonTypeError
		}
		for _, item := range list {
			if looseEqual(actual, item) {
				return true, ""
			}
		}
		return false, ""
	}

	return false, ReasonMalformed
}

// looseEqual compares numerically when both sides coerce to numbers,
// otherwise falls back to string representation.
func looseEqual(a, b any) bool {
	fa, okA := toFloat64(a)
	fb, okB := toFloat64(b)
	if okA && okB {
		return fa == fb
	}
	ba, okA := a.(bool)
	bb, okB := b.(bool)
	if okA && okB {
		return ba == bb
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
