package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var variableKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Service owns validation and lifecycle for variables, rules, and
// templates. Shape errors (bad condition trees, malformed actions,
// formulas that do not compile) are caught here at save time so they
// never surface during evaluation.
type Service struct {
	vars      VariableRepo
	rules     RuleRepo
	execs     ExecutionRepo
	templates TemplateRepo
	resolver  *Resolver
	cache     *ValueCache
	emitter   *Emitter
	logger    zerolog.Logger
}

func NewService(vars VariableRepo, rules RuleRepo, execs ExecutionRepo, templates TemplateRepo, resolver *Resolver, cache *ValueCache, emitter *Emitter, logger zerolog.Logger) *Service {
	return &Service{
		vars:      vars,
		rules:     rules,
		execs:     execs,
		templates: templates,
		resolver:  resolver,
		cache:     cache,
		emitter:   emitter,
		logger:    logger,
	}
}

// ---------------------------------------------------------------------------
// Variables
// ---------------------------------------------------------------------------

func (s *Service) CreateVariable(ctx context.Context, v *RuleVariable) error {
	if err := s.validateVariable(v); err != nil {
		return err
	}
	return s.vars.Create(ctx, v)
}

func (s *Service) GetVariable(ctx context.Context, orgID, id uuid.UUID) (*RuleVariable, error) {
	return s.vars.GetByID(ctx, orgID, id)
}

func (s *Service) ListVariables(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*RuleVariable, int, error) {
	return s.vars.List(ctx, orgID, limit, offset)
}

func (s *Service) UpdateVariable(ctx context.Context, v *RuleVariable) error {
	existing, err := s.vars.GetByID(ctx, v.OrgID, v.ID)
	if err != nil {
		return err
	}
	// variable_key is immutable; rules reference it by name.
	v.VariableKey = existing.VariableKey

	if err := s.validateVariable(v); err != nil {
		return err
	}
	if !v.IsActive && existing.IsActive {
		if err := s.requireUnreferenced(ctx, v.OrgID, v.VariableKey, "deactivate"); err != nil {
			return err
		}
	}
	if err := s.vars.Update(ctx, v); err != nil {
		return err
	}
	// Definition changed; cached values computed under the old
	// definition must not outlive the edit.
	s.cache.InvalidateVariable(v.ID)
	return nil
}

func (s *Service) DeleteVariable(ctx context.Context, orgID, id uuid.UUID) error {
	v, err := s.vars.GetByID(ctx, orgID, id)
	if err != nil {
		return err
	}
	if err := s.requireUnreferenced(ctx, orgID, v.VariableKey, "delete"); err != nil {
		return err
	}
	if err := s.vars.Delete(ctx, orgID, id); err != nil {
		return err
	}
	s.cache.InvalidateVariable(id)
	return nil
}

// TestVariable resolves a variable against a caller-supplied context
// without caching side effects mattering to production traffic.
func (s *Service) TestVariable(ctx context.Context, orgID uuid.UUID, key string, ec EvalContext) (any, error) {
	ec.OrgID = orgID
	return s.resolver.Resolve(ctx, key, ec)
}

func (s *Service) validateVariable(v *RuleVariable) error {
	if !variableKeyPattern.MatchString(v.VariableKey) {
		return fmt.Errorf("variable_key must match %s", variableKeyPattern.String())
	}
	if v.DisplayName == "" {
		return fmt.Errorf("display_name is required")
	}
	if !validComputationTypes[v.ComputationType] {
		return fmt.Errorf("invalid computation_type: %s", v.ComputationType)
	}
	if !validResultTypes[v.ResultType] {
		return fmt.Errorf("invalid result_type: %s", v.ResultType)
	}
	if v.CacheDurationMinutes < 0 {
		return fmt.Errorf("cache_duration_minutes must not be negative")
	}

	// Only the configuration matching the computation type is checked;
	// stray fields from other types are carried, not rejected.
	switch v.ComputationType {
	case ComputationAggregate:
		if v.DataSource == "" {
			return fmt.Errorf("aggregate variables require data_source")
		}
		if !validAggregateFunctions[v.AggregateFunction] {
			return fmt.Errorf("invalid aggregate_function: %s", v.AggregateFunction)
		}
		if v.TimeWindowHours < 0 {
			return fmt.Errorf("time_window_hours must not be negative")
		}
	case ComputationFormula:
		if v.Formula == "" {
			return fmt.Errorf("formula variables require a formula")
		}
		if err := ValidateFormula(v.Formula); err != nil {
			return err
		}
	case ComputationLookup:
		if v.LookupTable == "" && v.DataSource == "" {
			return fmt.Errorf("lookup variables require lookup_table or data_source")
		}
		if v.LookupKey == "" || v.LookupValue == "" {
			return fmt.Errorf("lookup variables require lookup_key and lookup_value")
		}
	case ComputationTimeBased, ComputationCustom:
		if v.DataSource == "" {
			return fmt.Errorf("%s variables require data_source", v.ComputationType)
		}
	}
	return nil
}

func (s *Service) requireUnreferenced(ctx context.Context, orgID uuid.UUID, key, verb string) error {
	count, err := s.rules.CountUsingVariable(ctx, orgID, key)
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("cannot %s variable %q: referenced by %d active rule(s)", verb, key, count)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Rules
// ---------------------------------------------------------------------------

func (s *Service) CreateRule(ctx context.Context, r *Rule) error {
	if err := s.validateRule(ctx, r); err != nil {
		return err
	}
	if err := s.rules.Create(ctx, r); err != nil {
		return err
	}
	s.emitRuleChange(ctx, r.OrgID, nil, r)
	return nil
}

func (s *Service) GetRule(ctx context.Context, orgID, id uuid.UUID) (*Rule, error) {
	return s.rules.GetByID(ctx, orgID, id)
}

func (s *Service) ListRules(ctx context.Context, orgID uuid.UUID, filter RuleFilter, limit, offset int) ([]*Rule, int, error) {
	return s.rules.List(ctx, orgID, filter, limit, offset)
}

func (s *Service) UpdateRule(ctx context.Context, r *Rule) error {
	existing, err := s.rules.GetByID(ctx, r.OrgID, r.ID)
	if err != nil {
		return err
	}
	if err := s.validateRule(ctx, r); err != nil {
		return err
	}
	if err := s.rules.Update(ctx, r); err != nil {
		return err
	}
	s.emitRuleChange(ctx, r.OrgID, existing, r)
	return nil
}

func (s *Service) DeleteRule(ctx context.Context, orgID, id uuid.UUID) error {
	existing, err := s.rules.GetByID(ctx, orgID, id)
	if err != nil {
		return err
	}
	if err := s.rules.Delete(ctx, orgID, id); err != nil {
		return err
	}
	s.emitRuleChange(ctx, orgID, existing, nil)
	return nil
}

func (s *Service) validateRule(ctx context.Context, r *Rule) error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !validRuleTypes[r.RuleType] {
		return fmt.Errorf("invalid rule_type: %s", r.RuleType)
	}
	if r.TriggerEvent == "" {
		return fmt.Errorf("trigger_event is required")
	}
	if r.TriggerTiming == "" {
		r.TriggerTiming = TimingImmediate
	}
	if !validTriggerTimings[r.TriggerTiming] {
		return fmt.Errorf("invalid trigger_timing: %s", r.TriggerTiming)
	}
	if r.Priority < 0 {
		return fmt.Errorf("priority must not be negative")
	}

	// A malformed condition tree is a configuration error here, never an
	// evaluation-time exception.
	if _, err := ParseCondition(r.ConditionsJSONLogic); err != nil {
		return fmt.Errorf("conditions_json_logic: %w", err)
	}
	if err := ValidateActions(r.RuleType, r.Actions); err != nil {
		return fmt.Errorf("actions: %w", err)
	}

	// Declared dependencies must exist and be active.
	for _, key := range r.UsedVariables {
		v, err := s.vars.GetByKey(ctx, r.OrgID, key)
		if err != nil {
			return fmt.Errorf("used_variables: variable %q: %w", key, err)
		}
		if !v.IsActive {
			return fmt.Errorf("used_variables: variable %q is inactive", key)
		}
	}
	return nil
}

// emitRuleChange produces a change event for a committed rule mutation.
// Emission failure is logged, never surfaced; the mutation has already
// committed.
func (s *Service) emitRuleChange(ctx context.Context, orgID uuid.UUID, before, after *Rule) {
	if s.emitter == nil {
		return
	}
	if _, err := s.emitter.OnMutation(ctx, EntityRule, orgID, ruleSnapshot(before), ruleSnapshot(after)); err != nil {
		s.logger.Error().Err(err).Msg("failed to emit rule change event")
	}
}

func ruleSnapshot(r *Rule) map[string]any {
	if r == nil {
		return nil
	}
	return map[string]any{
		"id":            r.ID.String(),
		"name":          r.Name,
		"rule_type":     r.RuleType,
		"trigger_event": r.TriggerEvent,
		"priority":      r.Priority,
		"is_active":     r.IsActive,
	}
}

// ---------------------------------------------------------------------------
// Executions
// ---------------------------------------------------------------------------

func (s *Service) GetExecution(ctx context.Context, orgID, id uuid.UUID) (*RuleExecution, error) {
	return s.execs.GetByID(ctx, orgID, id)
}

func (s *Service) ListExecutions(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*RuleExecution, int, error) {
	return s.execs.List(ctx, orgID, limit, offset)
}

func (s *Service) ListRuleExecutions(ctx context.Context, orgID, ruleID uuid.UUID, limit, offset int) ([]*RuleExecution, int, error) {
	return s.execs.ListByRule(ctx, orgID, ruleID, limit, offset)
}

// RuleTestResult is the dry-run outcome of TestRule. Nothing is
// persisted and no handlers execute.
type RuleTestResult struct {
	ConditionsMet     bool            `json:"conditions_met"`
	ConditionsResult  *ConditionTrace `json:"conditions_result"`
	ComputedVariables map[string]any  `json:"computed_variables"`
	Intents           []ActionIntent  `json:"intents,omitempty"`
}

// TestRule evaluates a rule against caller-supplied trigger data.
func (s *Service) TestRule(ctx context.Context, orgID, id uuid.UUID, ec EvalContext) (*RuleTestResult, error) {
	rule, err := s.rules.GetByID(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	ec.OrgID = orgID

	resolutions := s.resolver.ResolveMany(ctx, rule.UsedVariables, ec)
	computed := make(map[string]any, len(resolutions))
	for key, res := range resolutions {
		if res.Err == nil {
			computed[key] = res.Value
		}
	}

	result := &RuleTestResult{ComputedVariables: computed}
	cond, err := ParseCondition(rule.ConditionsJSONLogic)
	if err != nil {
		result.ConditionsResult = &ConditionTrace{Kind: "invalid", Matched: false, Reason: ReasonMalformed}
		return result, nil
	}
	result.ConditionsMet, result.ConditionsResult = EvaluateConditions(cond, ec.Facts(), computed)
	if result.ConditionsMet {
		result.Intents = Dispatch(rule, ec, computed)
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

func (s *Service) CreateTemplate(ctx context.Context, t *RuleTemplate) error {
	if t.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !validRuleTypes[t.RuleType] {
		return fmt.Errorf("invalid rule_type: %s", t.RuleType)
	}
	if _, err := ParseCondition(t.TemplateConditions); err != nil {
		return fmt.Errorf("template_conditions: %w", err)
	}
	return s.templates.Create(ctx, t)
}

func (s *Service) ListTemplates(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*RuleTemplate, int, error) {
	return s.templates.List(ctx, orgID, limit, offset)
}

// InstantiateTemplate creates a rule from a template, bumping the
// template's usage count on success.
func (s *Service) InstantiateTemplate(ctx context.Context, orgID, templateID uuid.UUID, name, triggerEvent string) (*Rule, error) {
	t, err := s.templates.GetByID(ctx, orgID, templateID)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = t.Name
	}

	rule := &Rule{
		OrgID:               orgID,
		Name:                name,
		Description:         t.Description,
		RuleType:            t.RuleType,
		Category:            t.Category,
		IsActive:            false,
		TriggerEvent:        triggerEvent,
		TriggerTiming:       TimingImmediate,
		Conditions:          cloneJSON(t.TemplateConditions),
		ConditionsJSONLogic: cloneJSON(t.TemplateConditions),
		UsedVariables:       append([]string{}, t.RequiredVariables...),
		Actions:             cloneJSON(t.TemplateActions),
		Config:              cloneJSON(t.TemplateConfig),
	}
	if err := s.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	if err := s.templates.IncrementUsage(ctx, t.ID); err != nil {
		s.logger.Warn().Err(err).Str("template_id", t.ID.String()).Msg("failed to bump template usage count")
	}
	return rule, nil
}

func cloneJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
