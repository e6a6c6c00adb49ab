package rules

import (
	"context"

	"github.com/google/uuid"
)

// VariableRepo persists variable definitions.
type VariableRepo interface {
	Create(ctx context.Context, v *RuleVariable) error
	GetByID(ctx context.Context, orgID, id uuid.UUID) (*RuleVariable, error)
	GetByKey(ctx context.Context, orgID uuid.UUID, key string) (*RuleVariable, error)
	List(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*RuleVariable, int, error)
	Update(ctx context.Context, v *RuleVariable) error
	Delete(ctx context.Context, orgID, id uuid.UUID) error
}

// RuleFilter narrows rule listings.
type RuleFilter struct {
	RuleType     string
	TriggerEvent string
	Category     string
	ActiveOnly   bool
}

// RuleRepo persists rules. IncrementStats is the only writer of the
// running counters and must increment atomically at the storage boundary.
type RuleRepo interface {
	Create(ctx context.Context, r *Rule) error
	GetByID(ctx context.Context, orgID, id uuid.UUID) (*Rule, error)
	GetByName(ctx context.Context, orgID uuid.UUID, name string) (*Rule, error)
	List(ctx context.Context, orgID uuid.UUID, filter RuleFilter, limit, offset int) ([]*Rule, int, error)
	Update(ctx context.Context, r *Rule) error
	Delete(ctx context.Context, orgID, id uuid.UUID) error

	// ListActiveForTrigger returns active rules for the trigger event
	// ordered by priority descending, ties broken by created_at ascending.
	ListActiveForTrigger(ctx context.Context, orgID uuid.UUID, triggerEvent string) ([]*Rule, error)

	// CountUsingVariable counts active rules declaring the variable key
	// in used_variables.
	CountUsingVariable(ctx context.Context, orgID uuid.UUID, variableKey string) (int, error)

	IncrementStats(ctx context.Context, id uuid.UUID, outcome string) error
}

// ExecutionRepo persists the immutable audit records.
type ExecutionRepo interface {
	Create(ctx context.Context, e *RuleExecution) error
	GetByID(ctx context.Context, orgID, id uuid.UUID) (*RuleExecution, error)
	List(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*RuleExecution, int, error)
	ListByRule(ctx context.Context, orgID, ruleID uuid.UUID, limit, offset int) ([]*RuleExecution, int, error)
}

// TemplateRepo persists rule templates. Listing includes global
// templates (org_id IS NULL) alongside the org's own.
type TemplateRepo interface {
	Create(ctx context.Context, t *RuleTemplate) error
	GetByID(ctx context.Context, orgID, id uuid.UUID) (*RuleTemplate, error)
	List(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*RuleTemplate, int, error)
	IncrementUsage(ctx context.Context, id uuid.UUID) error
}

// ChangeRepo persists change events. MarkProcessed sets processed_at at
// most once and reports whether this call won the race.
type ChangeRepo interface {
	Create(ctx context.Context, ev *ChangeEvent) error
	ListUnprocessed(ctx context.Context, limit int) ([]*ChangeEvent, error)
	ListByOrg(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*ChangeEvent, int, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) (bool, error)
}
