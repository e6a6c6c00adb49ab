package rules

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// -- Mock Repositories --

type mockVariableRepo struct {
	mu   sync.Mutex
	vars map[string]*RuleVariable // orgID|key
}

func newMockVariableRepo() *mockVariableRepo {
	return &mockVariableRepo{vars: make(map[string]*RuleVariable)}
}

func (m *mockVariableRepo) add(v *RuleVariable) *RuleVariable {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	m.mu.Lock()
	m.vars[v.OrgID.String()+"|"+v.VariableKey] = v
	m.mu.Unlock()
	return v
}

func (m *mockVariableRepo) Create(_ context.Context, v *RuleVariable) error {
	v.ID = uuid.New()
	v.CreatedAt = time.Now()
	v.UpdatedAt = v.CreatedAt
	m.add(v)
	return nil
}

func (m *mockVariableRepo) GetByID(_ context.Context, orgID, id uuid.UUID) (*RuleVariable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.vars {
		if v.OrgID == orgID && v.ID == id {
			return v, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockVariableRepo) GetByKey(_ context.Context, orgID uuid.UUID, key string) (*RuleVariable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vars[orgID.String()+"|"+key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m *mockVariableRepo) List(_ context.Context, orgID uuid.UUID, limit, offset int) ([]*RuleVariable, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*RuleVariable
	for _, v := range m.vars {
		if v.OrgID == orgID {
			out = append(out, v)
		}
	}
	return out, len(out), nil
}

func (m *mockVariableRepo) Update(_ context.Context, v *RuleVariable) error {
	m.add(v)
	return nil
}

func (m *mockVariableRepo) Delete(_ context.Context, orgID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, v := range m.vars {
		if v.OrgID == orgID && v.ID == id {
			delete(m.vars, key)
			return nil
		}
	}
	return ErrNotFound
}

type mockRuleRepo struct {
	mu    sync.Mutex
	rules []*Rule
	stats map[uuid.UUID]map[string]int64 // ruleID -> outcome counts
}

func newMockRuleRepo() *mockRuleRepo {
	return &mockRuleRepo{stats: make(map[uuid.UUID]map[string]int64)}
}

func (m *mockRuleRepo) Create(_ context.Context, r *Rule) error {
	r.ID = uuid.New()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	m.mu.Lock()
	m.rules = append(m.rules, r)
	m.mu.Unlock()
	return nil
}

func (m *mockRuleRepo) GetByID(_ context.Context, orgID, id uuid.UUID) (*Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		if r.OrgID == orgID && r.ID == id {
			return r, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRuleRepo) GetByName(_ context.Context, orgID uuid.UUID, name string) (*Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		if r.OrgID == orgID && r.Name == name {
			return r, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRuleRepo) List(_ context.Context, orgID uuid.UUID, _ RuleFilter, _, _ int) ([]*Rule, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Rule
	for _, r := range m.rules {
		if r.OrgID == orgID {
			out = append(out, r)
		}
	}
	return out, len(out), nil
}

func (m *mockRuleRepo) Update(_ context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.rules {
		if existing.ID == r.ID {
			m.rules[i] = r
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockRuleRepo) Delete(_ context.Context, orgID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.rules {
		if r.OrgID == orgID && r.ID == id {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockRuleRepo) ListActiveForTrigger(_ context.Context, orgID uuid.UUID, triggerEvent string) ([]*Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Rule
	for _, r := range m.rules {
		if r.OrgID == orgID && r.TriggerEvent == triggerEvent && r.IsActive {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *mockRuleRepo) CountUsingVariable(_ context.Context, orgID uuid.UUID, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, r := range m.rules {
		if r.OrgID != orgID || !r.IsActive {
			continue
		}
		for _, used := range r.UsedVariables {
			if used == key {
				count++
				break
			}
		}
	}
	return count, nil
}

func (m *mockRuleRepo) IncrementStats(_ context.Context, id uuid.UUID, outcome string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats[id] == nil {
		m.stats[id] = make(map[string]int64)
	}
	m.stats[id][outcome]++
	for _, r := range m.rules {
		if r.ID == id {
			r.ExecutionCount++
			switch outcome {
			case OutcomeSuccess:
				r.SuccessCount++
			case OutcomeFailure:
				r.FailureCount++
			}
			now := time.Now()
			r.LastExecutedAt = &now
		}
	}
	return nil
}

type mockExecutionRepo struct {
	mu        sync.Mutex
	execs     []*RuleExecution
	createErr error
}

func (m *mockExecutionRepo) Create(_ context.Context, e *RuleExecution) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	m.execs = append(m.execs, e)
	m.mu.Unlock()
	return nil
}

func (m *mockExecutionRepo) GetByID(_ context.Context, orgID, id uuid.UUID) (*RuleExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.execs {
		if e.OrgID == orgID && e.ID == id {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockExecutionRepo) List(_ context.Context, orgID uuid.UUID, _, _ int) ([]*RuleExecution, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*RuleExecution
	for _, e := range m.execs {
		if e.OrgID == orgID {
			out = append(out, e)
		}
	}
	return out, len(out), nil
}

func (m *mockExecutionRepo) ListByRule(_ context.Context, orgID, ruleID uuid.UUID, _, _ int) ([]*RuleExecution, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*RuleExecution
	for _, e := range m.execs {
		if e.OrgID == orgID && e.RuleID == ruleID {
			out = append(out, e)
		}
	}
	return out, len(out), nil
}

type mockTemplateRepo struct {
	mu        sync.Mutex
	templates map[uuid.UUID]*RuleTemplate
	usage     map[uuid.UUID]int
}

func newMockTemplateRepo() *mockTemplateRepo {
	return &mockTemplateRepo{
		templates: make(map[uuid.UUID]*RuleTemplate),
		usage:     make(map[uuid.UUID]int),
	}
}

func (m *mockTemplateRepo) Create(_ context.Context, t *RuleTemplate) error {
	t.ID = uuid.New()
	m.mu.Lock()
	m.templates[t.ID] = t
	m.mu.Unlock()
	return nil
}

func (m *mockTemplateRepo) GetByID(_ context.Context, orgID, id uuid.UUID) (*RuleTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.OrgID != nil && *t.OrgID != orgID {
		return nil, ErrNotFound
	}
	return t, nil
}

func (m *mockTemplateRepo) List(_ context.Context, orgID uuid.UUID, _, _ int) ([]*RuleTemplate, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*RuleTemplate
	for _, t := range m.templates {
		if t.OrgID == nil || *t.OrgID == orgID {
			out = append(out, t)
		}
	}
	return out, len(out), nil
}

func (m *mockTemplateRepo) IncrementUsage(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	m.usage[id]++
	m.mu.Unlock()
	return nil
}

type mockChangeRepo struct {
	mu     sync.Mutex
	events []*ChangeEvent
}

func (m *mockChangeRepo) Create(_ context.Context, ev *ChangeEvent) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

func (m *mockChangeRepo) ListUnprocessed(_ context.Context, limit int) ([]*ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ChangeEvent
	for _, ev := range m.events {
		if ev.ProcessedAt == nil {
			out = append(out, ev)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockChangeRepo) ListByOrg(_ context.Context, orgID uuid.UUID, _, _ int) ([]*ChangeEvent, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ChangeEvent
	for _, ev := range m.events {
		if ev.OrgID == orgID {
			out = append(out, ev)
		}
	}
	return out, len(out), nil
}

func (m *mockChangeRepo) MarkProcessed(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.ID == id {
			if ev.ProcessedAt != nil {
				return false, nil
			}
			now := time.Now()
			ev.ProcessedAt = &now
			return true, nil
		}
	}
	return false, ErrNotFound
}

type mockAssignments struct {
	assignees map[uuid.UUID][]uuid.UUID
}

func (m *mockAssignments) ActiveAssignees(_ context.Context, _, roleID uuid.UUID) ([]uuid.UUID, error) {
	return m.assignees[roleID], nil
}
