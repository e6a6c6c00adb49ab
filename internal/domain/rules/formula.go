package rules

import (
	"fmt"
	"regexp"

	"github.com/google/cel-go/cel"
)

// formulaCostLimit bounds CEL evaluation cost so a pathological formula
// cannot exhaust resources.
const formulaCostLimit = 100000

var varTokenPattern = regexp.MustCompile(`\{\{\s*var\.([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// FormulaReferences returns the distinct variable keys a formula refers
// to via {{var.key}} tokens, in first-appearance order.
func FormulaReferences(formula string) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, m := range varTokenPattern.FindAllStringSubmatch(formula, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		keys = append(keys, m[1])
	}
	return keys
}

// compileFormula rewrites {{var.key}} tokens to CEL identifiers and
// compiles the resulting expression. The returned name map translates
// variable keys to the generated identifiers.
func compileFormula(formula string) (cel.Program, map[string]string, error) {
	names := make(map[string]string)
	opts := []cel.EnvOption{}
	for i, key := range FormulaReferences(formula) {
		names[key] = fmt.Sprintf("v%d", i)
		opts = append(opts, cel.Variable(names[key], cel.DynType))
	}

	expr := varTokenPattern.ReplaceAllStringFunc(formula, func(token string) string {
		key := varTokenPattern.FindStringSubmatch(token)[1]
		return names[key]
	})

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("formula env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, nil, fmt.Errorf("formula compile: %w", issues.Err())
	}
	prg, err := env.Program(ast, cel.CostLimit(formulaCostLimit))
	if err != nil {
		return nil, nil, fmt.Errorf("formula program: %w", err)
	}
	return prg, names, nil
}

// ValidateFormula checks that a formula compiles. Called at variable-save
// time so malformed formulas are a configuration error, not a runtime one.
func ValidateFormula(formula string) error {
	_, _, err := compileFormula(formula)
	return err
}

// EvaluateFormula evaluates a formula with the given resolved variable
// values. Every referenced variable must be present in vars.
func EvaluateFormula(formula string, vars map[string]any) (any, error) {
	prg, names, err := compileFormula(formula)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(names))
	for key, ident := range names {
		value, ok := vars[key]
		if !ok || value == nil {
			return nil, fmt.Errorf("formula references unresolved variable %q", key)
		}
		activation[ident] = value
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return nil, fmt.Errorf("formula eval: %w", err)
	}
	return out.Value(), nil
}
