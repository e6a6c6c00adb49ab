package clinical

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemorySource is an in-memory Source for tests and local development.
type MemorySource struct {
	mu      sync.RWMutex
	nextSeq int64
	rows    map[string][]memoryRow // patientID|dataSource -> rows
	lookups map[string]any         // dataSource|keyField|keyValue|valueField -> value
}

type memoryRow struct {
	Row
	Code string
}

func NewMemorySource() *MemorySource {
	return &MemorySource{
		rows:    make(map[string][]memoryRow),
		lookups: make(map[string]any),
	}
}

// AddRow records a value for a patient. Seq is assigned in call order.
func (s *MemorySource) AddRow(patientID uuid.UUID, dataSource, code string, row Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	row.Seq = s.nextSeq
	key := patientID.String() + "|" + dataSource
	s.rows[key] = append(s.rows[key], memoryRow{Row: row, Code: code})
}

// SetLookup records a lookup value.
func (s *MemorySource) SetLookup(dataSource, keyField, keyValue, valueField string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups[dataSource+"|"+keyField+"|"+keyValue+"|"+valueField] = value
}

func (s *MemorySource) Rows(_ context.Context, q Query) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	codeSet := make(map[string]struct{}, len(q.Codes))
	for _, c := range q.Codes {
		codeSet[c] = struct{}{}
	}

	var out []Row
	for _, r := range s.rows[q.PatientID.String()+"|"+q.DataSource] {
		if len(codeSet) > 0 {
			if _, ok := codeSet[r.Code]; !ok {
				continue
			}
		}
		if !q.Since.IsZero() && r.EffectiveTime.Before(q.Since) {
			continue
		}
		out = append(out, r.Row)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].EffectiveTime.Equal(out[j].EffectiveTime) {
			return out[i].EffectiveTime.Before(out[j].EffectiveTime)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (s *MemorySource) Lookup(_ context.Context, q LookupQuery) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.lookups[q.DataSource+"|"+q.KeyField+"|"+q.KeyValue+"|"+q.ValueField]
	return v, ok, nil
}
