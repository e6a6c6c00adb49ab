package rules

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/rules/internal/domain/clinical"
	"github.com/ehr/rules/internal/platform/metrics"
)

// CustomResolver computes a time_based or custom variable. Implementations
// are registered per data_source name.
type CustomResolver func(ctx context.Context, v *RuleVariable, ec EvalContext) (any, error)

// Resolution is the per-key outcome of a batch resolve. Exactly one of
// Value and Err is meaningful.
type Resolution struct {
	Value any
	Err   error
}

// Resolver computes variable values against the clinical data source,
// with per-variable caching and formula cycle detection.
type Resolver struct {
	vars   VariableRepo
	source clinical.Source
	cache  *ValueCache

	mu     sync.RWMutex
	custom map[string]CustomResolver

	logger zerolog.Logger
}

func NewResolver(vars VariableRepo, source clinical.Source, cache *ValueCache, logger zerolog.Logger) *Resolver {
	return &Resolver{
		vars:   vars,
		source: source,
		cache:  cache,
		custom: make(map[string]CustomResolver),
		logger: logger,
	}
}

// RegisterCustom installs a resolver for time_based/custom variables
// whose data_source matches name.
func (r *Resolver) RegisterCustom(name string, fn CustomResolver) {
	r.mu.Lock()
	r.custom[name] = fn
	r.mu.Unlock()
}

// Resolve computes a single variable for the given context.
func (r *Resolver) Resolve(ctx context.Context, key string, ec EvalContext) (any, error) {
	return r.resolveKey(ctx, key, ec, nil)
}

// ResolveMany resolves independent variables concurrently. Each key fails
// closed on its own; one variable's failure never aborts the batch.
func (r *Resolver) ResolveMany(ctx context.Context, keys []string, ec EvalContext) map[string]Resolution {
	results := make(map[string]Resolution, len(keys))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			value, err := r.resolveKey(ctx, key, ec, nil)
			mu.Lock()
			results[key] = Resolution{Value: value, Err: err}
			mu.Unlock()
		}(key)
	}
	wg.Wait()
	return results
}

// resolveKey is the recursive core. path carries the in-progress keys so
// formula cycles are detected instead of recursing forever.
func (r *Resolver) resolveKey(ctx context.Context, key string, ec EvalContext, path []string) (any, error) {
	for _, visiting := range path {
		if visiting == key {
			return nil, &CircularVariableError{Cycle: append(append([]string{}, path...), key)}
		}
	}

	v, err := r.vars.GetByKey(ctx, ec.OrgID, key)
	if err != nil {
		return nil, fmt.Errorf("variable %q: %w", key, err)
	}
	if !v.IsActive {
		return nil, fmt.Errorf("variable %q is inactive", key)
	}

	if value, ok := r.cache.Get(v.ID, ec.CacheKey()); ok {
		metrics.VariableCacheHits.Inc()
		return value, nil
	}

	value, err := r.compute(ctx, v, ec, append(path, key))
	if err != nil {
		metrics.VariableResolutions.WithLabelValues(v.ComputationType, "error").Inc()
		return nil, err
	}

	value, err = convertToResultType(key, value, v.ResultType)
	if err != nil {
		metrics.VariableResolutions.WithLabelValues(v.ComputationType, "error").Inc()
		return nil, err
	}

	metrics.VariableResolutions.WithLabelValues(v.ComputationType, "ok").Inc()
	r.cache.Set(v.ID, ec.CacheKey(), value, time.Duration(v.CacheDurationMinutes)*time.Minute)
	return value, nil
}

func (r *Resolver) compute(ctx context.Context, v *RuleVariable, ec EvalContext, path []string) (any, error) {
	switch v.ComputationType {
	case ComputationAggregate:
		return r.computeAggregate(ctx, v, ec)
	case ComputationFormula:
		return r.computeFormula(ctx, v, ec, path)
	case ComputationLookup:
		return r.computeLookup(ctx, v, ec)
	case ComputationTimeBased, ComputationCustom:
		r.mu.RLock()
		fn, ok := r.custom[v.DataSource]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("variable %q: no resolver registered for data source %q", v.VariableKey, v.DataSource)
		}
		return fn(ctx, v, ec)
	}
	return nil, fmt.Errorf("variable %q: unknown computation type %q", v.VariableKey, v.ComputationType)
}

func (r *Resolver) computeAggregate(ctx context.Context, v *RuleVariable, ec EvalContext) (any, error) {
	q := clinical.Query{
		PatientID:  ec.PatientID,
		DataSource: v.DataSource,
		Field:      v.AggregateField,
		Codes:      v.filters().Codes,
	}
	if v.TimeWindowHours > 0 {
		q.Since = ec.Ref().Add(-time.Duration(v.TimeWindowHours) * time.Hour)
	}

	rows, err := r.source.Rows(ctx, q)
	if err != nil {
		if errors.Is(err, clinical.ErrUnavailable) {
			return nil, fmt.Errorf("variable %q: %w: %v", v.VariableKey, ErrDataSourceUnavailable, err)
		}
		return nil, fmt.Errorf("variable %q: %w", v.VariableKey, err)
	}
	return aggregate(v.VariableKey, v.AggregateFunction, rows)
}

func aggregate(key, fn string, rows []clinical.Row) (any, error) {
	if fn == AggCount {
		return float64(len(rows)), nil
	}
	if len(rows) == 0 {
		return nil, nil
	}

	switch fn {
	case AggLast:
		return rows[len(rows)-1].Value, nil
	case AggFirst:
		return rows[0].Value, nil
	}

	values := make([]float64, 0, len(rows))
	for _, row := range rows {
		f, ok := toFloat64(row.Value)
		if !ok {
			return nil, fmt.Errorf("variable %q: non-numeric value %v in %s aggregate", key, row.Value, fn)
		}
		values = append(values, f)
	}

	switch fn {
	case AggSum, AggAvg:
		var sum float64
		for _, f := range values {
			sum += f
		}
		if fn == AggAvg {
			return sum / float64(len(values)), nil
		}
		return sum, nil
	case AggMin:
		min := values[0]
		for _, f := range values[1:] {
			if f < min {
				min = f
			}
		}
		return min, nil
	case AggMax:
		max := values[0]
		for _, f := range values[1:] {
			if f > max {
				max = f
			}
		}
		return max, nil
	}
	return nil, fmt.Errorf("variable %q: unknown aggregate function %q", key, fn)
}

func (r *Resolver) computeFormula(ctx context.Context, v *RuleVariable, ec EvalContext, path []string) (any, error) {
	refs := FormulaReferences(v.Formula)
	vars := make(map[string]any, len(refs))
	for _, ref := range refs {
		value, err := r.resolveKey(ctx, ref, ec, path)
		if err != nil {
			var cycle *CircularVariableError
			if errors.As(err, &cycle) {
				return nil, err
			}
			return nil, fmt.Errorf("variable %q: dependency %q: %w", v.VariableKey, ref, err)
		}
		vars[ref] = value
	}
	return EvaluateFormula(v.Formula, vars)
}

func (r *Resolver) computeLookup(ctx context.Context, v *RuleVariable, ec EvalContext) (any, error) {
	keyValue := ec.PatientID.String()
	if raw, ok := lookupPath(ec.TriggerData, v.LookupKey); ok {
		keyValue = fmt.Sprintf("%v", raw)
	}

	table := v.LookupTable
	if table == "" {
		table = v.DataSource
	}

	value, found, err := r.source.Lookup(ctx, clinical.LookupQuery{
		DataSource: table,
		KeyField:   v.LookupKey,
		KeyValue:   keyValue,
		ValueField: v.LookupValue,
	})
	if err != nil {
		if errors.Is(err, clinical.ErrUnavailable) {
			return nil, fmt.Errorf("variable %q: %w: %v", v.VariableKey, ErrDataSourceUnavailable, err)
		}
		return nil, fmt.Errorf("variable %q: %w", v.VariableKey, err)
	}
	if !found {
		// A missing lookup row is not an error; it resolves to the
		// type-appropriate empty value.
		return emptyValue(v.ResultType), nil
	}
	return value, nil
}

func emptyValue(resultType string) any {
	switch resultType {
	case ResultNumber:
		return float64(0)
	case ResultString:
		return ""
	case ResultBoolean:
		return false
	}
	return nil
}

func convertToResultType(key string, value any, resultType string) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch resultType {
	case ResultNumber:
		if f, ok := toFloat64(value); ok {
			return f, nil
		}
		return nil, &TypeMismatchError{VariableKey: key, ResultType: resultType, Value: value}

	case ResultString:
		switch s := value.(type) {
		case string:
			return s, nil
		case float64, float32, int, int32, int64, uint64, bool:
			return fmt.Sprintf("%v", s), nil
		case time.Time:
			return s.Format(time.RFC3339), nil
		}
		return nil, &TypeMismatchError{VariableKey: key, ResultType: resultType, Value: value}

	case ResultBoolean:
		switch b := value.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(strings.ToLower(b))
			if err != nil {
				return nil, &TypeMismatchError{VariableKey: key, ResultType: resultType, Value: value}
			}
			return parsed, nil
		}
		if f, ok := toFloat64(value); ok {
			return f != 0, nil
		}
		return nil, &TypeMismatchError{VariableKey: key, ResultType: resultType, Value: value}

	case ResultDate:
		switch d := value.(type) {
		case time.Time:
			return d, nil
		case string:
			if t, err := time.Parse(time.RFC3339, d); err == nil {
				return t, nil
			}
			if t, err := time.Parse("2006-01-02", d); err == nil {
				return t, nil
			}
		}
		return nil, &TypeMismatchError{VariableKey: key, ResultType: resultType, Value: value}
	}

	// Unknown result types pass through untouched.
	return value, nil
}
