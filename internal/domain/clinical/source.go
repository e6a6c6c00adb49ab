// Package clinical provides read access to patient clinical data for
// variable resolution. Sources expose time-ordered value rows (for
// aggregate and time-based variables) and single-value lookups (for
// lookup variables) without leaking SQL into the rules domain.
package clinical

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownSource is returned when a query names a data source the
// backend has no mapping for.
var ErrUnknownSource = errors.New("clinical: unknown data source")

// ErrUnavailable is returned when the backing store cannot be reached.
var ErrUnavailable = errors.New("clinical: data source unavailable")

// Row is a single clinical value with its ordering keys. Seq breaks ties
// between rows sharing an effective time; it is assigned by the store in
// insertion order.
type Row struct {
	Value         any
	EffectiveTime time.Time
	Seq           int64
}

// Query selects time-ordered rows for one patient from one data source.
// A zero Since means no lower bound. Codes, when non-empty, restricts
// rows to the given clinical codes.
type Query struct {
	PatientID  uuid.UUID
	DataSource string
	Field      string
	Codes      []string
	Since      time.Time
}

// LookupQuery fetches a single value from a reference data source by key.
type LookupQuery struct {
	DataSource string
	KeyField   string
	KeyValue   string
	ValueField string
}

// Source is the read interface variable resolution depends on.
type Source interface {
	// Rows returns matching rows ordered by effective time ascending,
	// then by Seq ascending.
	Rows(ctx context.Context, q Query) ([]Row, error)

	// Lookup returns the value for a single keyed row. The boolean is
	// false when no row matches.
	Lookup(ctx context.Context, q LookupQuery) (any, bool, error)
}
