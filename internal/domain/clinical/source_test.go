package clinical

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemorySourceOrdering(t *testing.T) {
	src := NewMemorySource()
	patient := uuid.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Insert out of order; two rows share an effective time.
	src.AddRow(patient, "observations", "8480-6", Row{Value: 140.0, EffectiveTime: base.Add(2 * time.Hour)})
	src.AddRow(patient, "observations", "8480-6", Row{Value: 120.0, EffectiveTime: base})
	src.AddRow(patient, "observations", "8480-6", Row{Value: 130.0, EffectiveTime: base})

	rows, err := src.Rows(context.Background(), Query{PatientID: patient, DataSource: "observations"})
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	if rows[0].Value != 120.0 || rows[1].Value != 130.0 || rows[2].Value != 140.0 {
		t.Errorf("rows out of order: %v %v %v", rows[0].Value, rows[1].Value, rows[2].Value)
	}
}

func TestMemorySourceFilters(t *testing.T) {
	src := NewMemorySource()
	patient := uuid.New()
	other := uuid.New()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	src.AddRow(patient, "observations", "8480-6", Row{Value: 120.0, EffectiveTime: base})
	src.AddRow(patient, "observations", "8462-4", Row{Value: 80.0, EffectiveTime: base})
	src.AddRow(patient, "observations", "8480-6", Row{Value: 150.0, EffectiveTime: base.AddDate(0, 0, 10)})
	src.AddRow(other, "observations", "8480-6", Row{Value: 999.0, EffectiveTime: base})

	rows, err := src.Rows(context.Background(), Query{
		PatientID:  patient,
		DataSource: "observations",
		Codes:      []string{"8480-6"},
		Since:      base.AddDate(0, 0, 5),
	})
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if len(rows) != 1 || rows[0].Value != 150.0 {
		t.Fatalf("expected only the recent systolic row, got %v", rows)
	}
}

func TestMemorySourceLookup(t *testing.T) {
	src := NewMemorySource()
	src.SetLookup("medication_requests", "medication_code", "197361", "medication_name", "lisinopril")

	v, ok, err := src.Lookup(context.Background(), LookupQuery{
		DataSource: "medication_requests",
		KeyField:   "medication_code",
		KeyValue:   "197361",
		ValueField: "medication_name",
	})
	if err != nil || !ok {
		t.Fatalf("Lookup: ok=%v err=%v", ok, err)
	}
	if v != "lisinopril" {
		t.Errorf("value = %v, want lisinopril", v)
	}

	_, ok, err = src.Lookup(context.Background(), LookupQuery{DataSource: "medication_requests", KeyField: "medication_code", KeyValue: "missing", ValueField: "medication_name"})
	if err != nil || ok {
		t.Errorf("expected miss, got ok=%v err=%v", ok, err)
	}
}

func TestPGSourceRejectsUnknownSourceAndBadField(t *testing.T) {
	src := NewPGSource(nil)

	if _, err := src.Rows(context.Background(), Query{DataSource: "secrets"}); err == nil {
		t.Error("expected error for unknown data source")
	}
	if _, err := src.Rows(context.Background(), Query{DataSource: "observations", Field: "value; DROP TABLE"}); err == nil {
		t.Error("expected error for invalid field name")
	}
	if _, _, err := src.Lookup(context.Background(), LookupQuery{DataSource: "observations", KeyField: "code", ValueField: "1; --"}); err == nil {
		t.Error("expected error for invalid lookup field")
	}
}
