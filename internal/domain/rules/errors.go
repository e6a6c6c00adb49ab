package rules

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by repositories when no row matches.
var ErrNotFound = errors.New("not found")

// ErrDataSourceUnavailable wraps backend failures during variable
// resolution. The affected variable resolves to absent; the rule still
// evaluates.
var ErrDataSourceUnavailable = errors.New("data source unavailable")

// CircularVariableError reports a formula dependency cycle, naming the
// resolution path that closed the loop.
type CircularVariableError struct {
	Cycle []string
}

func (e *CircularVariableError) Error() string {
	return fmt.Sprintf("circular variable reference: %s", strings.Join(e.Cycle, " -> "))
}

// TypeMismatchError reports a resolved value that could not be converted
// to the variable's declared result type.
type TypeMismatchError struct {
	VariableKey string
	ResultType  string
	Value       any
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("variable %q: value %v cannot be converted to %s", e.VariableKey, e.Value, e.ResultType)
}
