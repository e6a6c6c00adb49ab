package clinical

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/rules/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// sourceTable maps a logical data source to its physical table. Only
// sources listed here can be queried; everything else is rejected before
// any SQL is built.
type sourceTable struct {
	table        string
	timeColumn   string
	codeColumn   string
	defaultField string
}

var sourceTables = map[string]sourceTable{
	"observations": {
		table:        "observations",
		timeColumn:   "effective_date_time",
		codeColumn:   "code",
		defaultField: "value_quantity",
	},
	"lab_results": {
		table:        "lab_results",
		timeColumn:   "effective_date_time",
		codeColumn:   "code",
		defaultField: "value_quantity",
	},
	"medication_requests": {
		table:        "medication_requests",
		timeColumn:   "authored_on",
		codeColumn:   "medication_code",
		defaultField: "medication_code",
	},
	"conditions": {
		table:        "conditions",
		timeColumn:   "recorded_date",
		codeColumn:   "code",
		defaultField: "code",
	},
	"encounters": {
		table:        "encounters",
		timeColumn:   "period_start",
		codeColumn:   "class",
		defaultField: "class",
	},
	"allergies": {
		table:        "allergy_intolerances",
		timeColumn:   "recorded_date",
		codeColumn:   "code",
		defaultField: "code",
	},
}

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PGSource reads clinical rows from the tenant's Postgres schema.
type PGSource struct {
	pool *pgxpool.Pool
}

func NewPGSource(pool *pgxpool.Pool) *PGSource {
	return &PGSource{pool: pool}
}

func (s *PGSource) q(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if conn := db.ConnFromContext(ctx); conn != nil {
		return conn
	}
	return s.pool
}

func (s *PGSource) Rows(ctx context.Context, q Query) ([]Row, error) {
	st, ok := sourceTables[q.DataSource]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, q.DataSource)
	}

	field := q.Field
	if field == "" {
		field = st.defaultField
	}
	if !identPattern.MatchString(field) {
		return nil, fmt.Errorf("clinical: invalid field name %q", q.Field)
	}

	var sb strings.Builder
	args := []any{q.PatientID}
	fmt.Fprintf(&sb, "SELECT %s, %s, seq FROM %s WHERE patient_id = $1", field, st.timeColumn, st.table)
	if len(q.Codes) > 0 {
		args = append(args, q.Codes)
		fmt.Fprintf(&sb, " AND %s = ANY($%d)", st.codeColumn, len(args))
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since)
		fmt.Fprintf(&sb, " AND %s >= $%d", st.timeColumn, len(args))
	}
	fmt.Fprintf(&sb, " ORDER BY %s ASC, seq ASC", st.timeColumn)

	pgRows, err := s.q(ctx).Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer pgRows.Close()

	var out []Row
	for pgRows.Next() {
		var r Row
		var effective time.Time
		if err := pgRows.Scan(&r.Value, &effective, &r.Seq); err != nil {
			return nil, fmt.Errorf("clinical: scan row: %w", err)
		}
		r.EffectiveTime = effective
		out = append(out, r)
	}
	if err := pgRows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

func (s *PGSource) Lookup(ctx context.Context, q LookupQuery) (any, bool, error) {
	st, ok := sourceTables[q.DataSource]
	if !ok {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownSource, q.DataSource)
	}
	if !identPattern.MatchString(q.KeyField) || !identPattern.MatchString(q.ValueField) {
		return nil, false, fmt.Errorf("clinical: invalid lookup field")
	}

	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1 ORDER BY seq DESC LIMIT 1",
		q.ValueField, st.table, q.KeyField)

	var value any
	err := s.q(ctx).QueryRow(ctx, sql, q.KeyValue).Scan(&value)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return value, true, nil
}
