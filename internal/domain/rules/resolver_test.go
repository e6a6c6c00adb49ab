package rules

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/rules/internal/domain/clinical"
)

// countingSource wraps a Source and counts Rows calls, so tests can
// verify cache hits skip the backend.
type countingSource struct {
	clinical.Source
	rowCalls atomic.Int64
}

func (s *countingSource) Rows(ctx context.Context, q clinical.Query) ([]clinical.Row, error) {
	s.rowCalls.Add(1)
	return s.Source.Rows(ctx, q)
}

func newTestResolver(vars *mockVariableRepo, source clinical.Source) *Resolver {
	return NewResolver(vars, source, NewValueCache(), zerolog.Nop())
}

func aggregateVariable(orgID uuid.UUID, key, fn string, windowHours, cacheMinutes int) *RuleVariable {
	return &RuleVariable{
		ID:                   uuid.New(),
		OrgID:                orgID,
		VariableKey:          key,
		DisplayName:          key,
		ComputationType:      ComputationAggregate,
		DataSource:           "observations",
		AggregateFunction:    fn,
		AggregateField:       "value_quantity",
		TimeWindowHours:      windowHours,
		ResultType:           ResultNumber,
		CacheDurationMinutes: cacheMinutes,
		IsActive:             true,
	}
}

func TestResolveAggregateWindow(t *testing.T) {
	orgID := uuid.New()
	patient := uuid.New()
	ref := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	source := clinical.NewMemorySource()
	// Three readings inside the 24h window, one outside it.
	source.AddRow(patient, "observations", "8480-6", clinical.Row{Value: 120.0, EffectiveTime: ref.Add(-2 * time.Hour)})
	source.AddRow(patient, "observations", "8480-6", clinical.Row{Value: 130.0, EffectiveTime: ref.Add(-5 * time.Hour)})
	source.AddRow(patient, "observations", "8480-6", clinical.Row{Value: 140.0, EffectiveTime: ref.Add(-20 * time.Hour)})
	source.AddRow(patient, "observations", "8480-6", clinical.Row{Value: 200.0, EffectiveTime: ref.Add(-48 * time.Hour)})

	vars := newMockVariableRepo()
	vars.add(aggregateVariable(orgID, "avg_systolic_bp", AggAvg, 24, 0))

	r := newTestResolver(vars, source)
	value, err := r.Resolve(context.Background(), "avg_systolic_bp", EvalContext{
		OrgID:         orgID,
		PatientID:     patient,
		ReferenceTime: ref,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != 130.0 {
		t.Errorf("avg_systolic_bp = %v, want 130 (window excludes the 200 reading)", value)
	}
}

func TestResolveAggregateFunctions(t *testing.T) {
	orgID := uuid.New()
	patient := uuid.New()
	ref := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	source := clinical.NewMemorySource()
	for i, v := range []float64{120, 130, 140} {
		source.AddRow(patient, "observations", "8480-6", clinical.Row{
			Value:         v,
			EffectiveTime: ref.Add(time.Duration(-3+i) * time.Hour),
		})
	}

	tests := []struct {
		fn   string
		want float64
	}{
		{AggSum, 390},
		{AggCount, 3},
		{AggMin, 120},
		{AggMax, 140},
		{AggFirst, 120},
		{AggLast, 140},
	}
	for _, tt := range tests {
		t.Run(tt.fn, func(t *testing.T) {
			vars := newMockVariableRepo()
			vars.add(aggregateVariable(orgID, "v", tt.fn, 0, 0))
			r := newTestResolver(vars, source)
			value, err := r.Resolve(context.Background(), "v", EvalContext{OrgID: orgID, PatientID: patient, ReferenceTime: ref})
			if err != nil {
				t.Fatalf("Resolve(%s): %v", tt.fn, err)
			}
			if value != tt.want {
				t.Errorf("%s = %v, want %v", tt.fn, value, tt.want)
			}
		})
	}
}

func TestResolveAggregateEmptyWindow(t *testing.T) {
	orgID := uuid.New()
	vars := newMockVariableRepo()
	vars.add(aggregateVariable(orgID, "count_v", AggCount, 24, 0))
	vars.add(aggregateVariable(orgID, "avg_v", AggAvg, 24, 0))

	r := newTestResolver(vars, clinical.NewMemorySource())
	ec := EvalContext{OrgID: orgID, PatientID: uuid.New()}

	count, err := r.Resolve(context.Background(), "count_v", ec)
	if err != nil || count != 0.0 {
		t.Errorf("count over empty window = %v, %v; want 0, nil", count, err)
	}
	avg, err := r.Resolve(context.Background(), "avg_v", ec)
	if err != nil || avg != nil {
		t.Errorf("avg over empty window = %v, %v; want nil, nil", avg, err)
	}
}

func TestResolveCacheIdempotence(t *testing.T) {
	orgID := uuid.New()
	patient := uuid.New()

	mem := clinical.NewMemorySource()
	mem.AddRow(patient, "observations", "8480-6", clinical.Row{Value: 120.0, EffectiveTime: time.Now().Add(-time.Hour)})
	source := &countingSource{Source: mem}

	vars := newMockVariableRepo()
	vars.add(aggregateVariable(orgID, "bp", AggLast, 0, 30))

	r := newTestResolver(vars, source)
	ec := EvalContext{OrgID: orgID, PatientID: patient}

	first, err := r.Resolve(context.Background(), "bp", ec)
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	second, err := r.Resolve(context.Background(), "bp", ec)
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if first != second {
		t.Errorf("cached value differs: %v vs %v", first, second)
	}
	if calls := source.rowCalls.Load(); calls != 1 {
		t.Errorf("data source queried %d times within cache window, want 1", calls)
	}
}

func formulaVariable(orgID uuid.UUID, key, formula string) *RuleVariable {
	return &RuleVariable{
		ID:              uuid.New(),
		OrgID:           orgID,
		VariableKey:     key,
		DisplayName:     key,
		ComputationType: ComputationFormula,
		Formula:         formula,
		ResultType:      ResultNumber,
		IsActive:        true,
	}
}

func TestResolveFormulaChain(t *testing.T) {
	orgID := uuid.New()
	patient := uuid.New()

	source := clinical.NewMemorySource()
	source.AddRow(patient, "observations", "29463-7", clinical.Row{Value: 80.0, EffectiveTime: time.Now().Add(-time.Hour)})

	vars := newMockVariableRepo()
	vars.add(aggregateVariable(orgID, "weight_kg", AggLast, 0, 0))
	vars.add(formulaVariable(orgID, "weight_lbs", `{{var.weight_kg}} * 2.20462`))

	r := newTestResolver(vars, source)
	value, err := r.Resolve(context.Background(), "weight_lbs", EvalContext{OrgID: orgID, PatientID: patient})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	f, ok := value.(float64)
	if !ok || f < 176.3 || f > 176.4 {
		t.Errorf("weight_lbs = %v, want ~176.37", value)
	}
}

func TestResolveCircularFormula(t *testing.T) {
	orgID := uuid.New()
	vars := newMockVariableRepo()
	vars.add(formulaVariable(orgID, "a", `{{var.b}} + 1.0`))
	vars.add(formulaVariable(orgID, "b", `{{var.a}} + 1.0`))
	vars.add(formulaVariable(orgID, "self", `{{var.self}} * 2.0`))

	r := newTestResolver(vars, clinical.NewMemorySource())
	ec := EvalContext{OrgID: orgID, PatientID: uuid.New()}

	for _, key := range []string{"a", "self"} {
		_, err := r.Resolve(context.Background(), key, ec)
		var cycle *CircularVariableError
		if !errors.As(err, &cycle) {
			t.Errorf("Resolve(%s) error = %v, want CircularVariableError", key, err)
		}
	}
}

func TestResolveLookupMissingIsEmpty(t *testing.T) {
	orgID := uuid.New()
	vars := newMockVariableRepo()
	vars.add(&RuleVariable{
		ID:              uuid.New(),
		OrgID:           orgID,
		VariableKey:     "med_name",
		DisplayName:     "med_name",
		ComputationType: ComputationLookup,
		LookupTable:     "medication_requests",
		LookupKey:       "medication_code",
		LookupValue:     "medication_name",
		ResultType:      ResultString,
		IsActive:        true,
	})

	r := newTestResolver(vars, clinical.NewMemorySource())
	value, err := r.Resolve(context.Background(), "med_name", EvalContext{
		OrgID:       orgID,
		PatientID:   uuid.New(),
		TriggerData: map[string]any{"medication_code": "197361"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "" {
		t.Errorf("missing lookup = %v, want empty string", value)
	}
}

func TestResolveTypeMismatch(t *testing.T) {
	orgID := uuid.New()
	patient := uuid.New()

	source := clinical.NewMemorySource()
	source.AddRow(patient, "observations", "x", clinical.Row{Value: "free text", EffectiveTime: time.Now().Add(-time.Hour)})

	vars := newMockVariableRepo()
	vars.add(aggregateVariable(orgID, "v", AggLast, 0, 0))

	r := newTestResolver(vars, source)
	_, err := r.Resolve(context.Background(), "v", EvalContext{OrgID: orgID, PatientID: patient})
	var mismatch *TypeMismatchError
	if !errors.As(err, &mismatch) {
		t.Errorf("error = %v, want TypeMismatchError", err)
	}
}

func TestResolveCustomResolver(t *testing.T) {
	orgID := uuid.New()
	vars := newMockVariableRepo()
	vars.add(&RuleVariable{
		ID:              uuid.New(),
		OrgID:           orgID,
		VariableKey:     "hour_of_day",
		DisplayName:     "hour_of_day",
		ComputationType: ComputationTimeBased,
		DataSource:      "clock",
		ResultType:      ResultNumber,
		IsActive:        true,
	})

	r := newTestResolver(vars, clinical.NewMemorySource())
	r.RegisterCustom("clock", func(_ context.Context, _ *RuleVariable, ec EvalContext) (any, error) {
		return float64(ec.Ref().Hour()), nil
	})

	value, err := r.Resolve(context.Background(), "hour_of_day", EvalContext{
		OrgID:         orgID,
		ReferenceTime: time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != 14.0 {
		t.Errorf("hour_of_day = %v, want 14", value)
	}
}

func TestResolveManyIsolatesFailures(t *testing.T) {
	orgID := uuid.New()
	patient := uuid.New()

	source := clinical.NewMemorySource()
	source.AddRow(patient, "observations", "x", clinical.Row{Value: 99.0, EffectiveTime: time.Now().Add(-time.Hour)})

	vars := newMockVariableRepo()
	vars.add(aggregateVariable(orgID, "good", AggLast, 0, 0))
	vars.add(formulaVariable(orgID, "bad", `{{var.bad}}`))

	r := newTestResolver(vars, source)
	results := r.ResolveMany(context.Background(), []string{"good", "bad", "ghost"}, EvalContext{OrgID: orgID, PatientID: patient})

	if res := results["good"]; res.Err != nil || res.Value != 99.0 {
		t.Errorf("good = %+v, want 99", res)
	}
	if results["bad"].Err == nil {
		t.Error("expected cycle error for bad")
	}
	if results["ghost"].Err == nil {
		t.Error("expected not-found error for ghost")
	}
}
