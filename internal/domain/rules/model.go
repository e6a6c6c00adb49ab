// Package rules implements the universal rule engine: org-scoped computed
// variables, condition trees evaluated against trigger events, action
// dispatch, execution auditing, and change notification fan-out.
package rules

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Variable computation types.
const (
	ComputationAggregate = "aggregate"
	ComputationFormula   = "formula"
	ComputationLookup    = "lookup"
	ComputationTimeBased = "time_based"
	ComputationCustom    = "custom"
)

// Variable result types.
const (
	ResultNumber  = "number"
	ResultString  = "string"
	ResultBoolean = "boolean"
	ResultDate    = "date"
)

// Aggregate functions.
const (
	AggSum   = "sum"
	AggAvg   = "avg"
	AggCount = "count"
	AggMin   = "min"
	AggMax   = "max"
	AggLast  = "last"
	AggFirst = "first"
)

// Rule types.
const (
	RuleTypeTaskAssignment       = "task_assignment"
	RuleTypeAlert                = "alert"
	RuleTypeCDSHook              = "cds_hook"
	RuleTypeMedicationAssignment = "medication_assignment"
	RuleTypeReminder             = "reminder"
	RuleTypeNotification         = "notification"
	RuleTypeWorkflowAutomation   = "workflow_automation"
)

// Trigger timings.
const (
	TimingImmediate = "immediate"
	TimingScheduled = "scheduled"
	TimingOnDemand  = "on_demand"
)

// Change event types.
const (
	ChangeRoleCreated  = "role_created"
	ChangeRoleUpdated  = "role_updated"
	ChangeRoleDeleted  = "role_deleted"
	ChangeRoleAssigned = "role_assigned"
	ChangeRoleRevoked  = "role_revoked"
	ChangeRuleCreated  = "rule_created"
	ChangeRuleUpdated  = "rule_updated"
	ChangeRuleDeleted  = "rule_deleted"
)

var validComputationTypes = map[string]bool{
	ComputationAggregate: true,
	ComputationFormula:   true,
	ComputationLookup:    true,
	ComputationTimeBased: true,
	ComputationCustom:    true,
}

var validResultTypes = map[string]bool{
	ResultNumber:  true,
	ResultString:  true,
	ResultBoolean: true,
	ResultDate:    true,
}

var validAggregateFunctions = map[string]bool{
	AggSum:   true,
	AggAvg:   true,
	AggCount: true,
	AggMin:   true,
	AggMax:   true,
	AggLast:  true,
	AggFirst: true,
}

var validRuleTypes = map[string]bool{
	RuleTypeTaskAssignment:       true,
	RuleTypeAlert:                true,
	RuleTypeCDSHook:              true,
	RuleTypeMedicationAssignment: true,
	RuleTypeReminder:             true,
	RuleTypeNotification:         true,
	RuleTypeWorkflowAutomation:   true,
}

var validTriggerTimings = map[string]bool{
	TimingImmediate: true,
	TimingScheduled: true,
	TimingOnDemand:  true,
}

// RuleVariable is an org-scoped computed value definition. Only the
// configuration fields matching ComputationType are meaningful; the rest
// are carried but ignored.
type RuleVariable struct {
	ID                   uuid.UUID       `json:"id"`
	OrgID                uuid.UUID       `json:"org_id"`
	VariableKey          string          `json:"variable_key"`
	DisplayName          string          `json:"display_name"`
	Description          string          `json:"description,omitempty"`
	ComputationType      string          `json:"computation_type"`
	DataSource           string          `json:"data_source,omitempty"`
	AggregateFunction    string          `json:"aggregate_function,omitempty"`
	AggregateField       string          `json:"aggregate_field,omitempty"`
	AggregateFilters     json.RawMessage `json:"aggregate_filters,omitempty"`
	TimeWindowHours      int             `json:"time_window_hours,omitempty"`
	Formula              string          `json:"formula,omitempty"`
	LookupTable          string          `json:"lookup_table,omitempty"`
	LookupKey            string          `json:"lookup_key,omitempty"`
	LookupValue          string          `json:"lookup_value,omitempty"`
	ResultType           string          `json:"result_type"`
	Unit                 string          `json:"unit,omitempty"`
	CacheDurationMinutes int             `json:"cache_duration_minutes"`
	IsActive             bool            `json:"is_active"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// aggregateFilters is the parsed shape of RuleVariable.AggregateFilters.
type aggregateFilters struct {
	Codes []string `json:"codes,omitempty"`
}

func (v *RuleVariable) filters() aggregateFilters {
	var f aggregateFilters
	if len(v.AggregateFilters) > 0 {
		_ = json.Unmarshal(v.AggregateFilters, &f)
	}
	return f
}

// Rule is an org-scoped condition/action definition. The running counters
// are maintained exclusively by the orchestrator; rule edits never touch
// them.
type Rule struct {
	ID                  uuid.UUID       `json:"id"`
	OrgID               uuid.UUID       `json:"org_id"`
	Name                string          `json:"name"`
	Description         string          `json:"description,omitempty"`
	RuleType            string          `json:"rule_type"`
	Category            string          `json:"category,omitempty"`
	IsActive            bool            `json:"is_active"`
	Priority            int             `json:"priority"`
	TriggerEvent        string          `json:"trigger_event"`
	TriggerTiming       string          `json:"trigger_timing"`
	Conditions          json.RawMessage `json:"conditions,omitempty"`
	ConditionsJSONLogic json.RawMessage `json:"conditions_json_logic,omitempty"`
	UsedVariables       []string        `json:"used_variables,omitempty"`
	Actions             json.RawMessage `json:"actions,omitempty"`
	Config              json.RawMessage `json:"config,omitempty"`
	ExecutionCount      int64           `json:"execution_count"`
	SuccessCount        int64           `json:"success_count"`
	FailureCount        int64           `json:"failure_count"`
	LastExecutedAt      *time.Time      `json:"last_executed_at,omitempty"`
	CreatedBy           *uuid.UUID      `json:"created_by,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Execution outcomes, used for stats increments and metrics labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeNoMatch = "no_match"
)

// RuleExecution is the immutable audit record for one rule's evaluation
// against one trigger event. Created exactly once, never updated.
type RuleExecution struct {
	ID                uuid.UUID       `json:"id"`
	RuleID            uuid.UUID       `json:"rule_id"`
	OrgID             uuid.UUID       `json:"org_id"`
	TriggerEvent      string          `json:"trigger_event"`
	TriggerData       json.RawMessage `json:"trigger_data,omitempty"`
	PatientID         *uuid.UUID      `json:"patient_id,omitempty"`
	UserID            *uuid.UUID      `json:"user_id,omitempty"`
	ComputedVariables map[string]any  `json:"computed_variables,omitempty"`
	ConditionsMet     bool            `json:"conditions_met"`
	ConditionsResult  *ConditionTrace `json:"conditions_result,omitempty"`
	ActionsPerformed  []ActionIntent  `json:"actions_performed,omitempty"`
	ActionsSuccess    bool            `json:"actions_success"`
	ResultData        json.RawMessage `json:"result_data,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	StackTrace        string          `json:"stack_trace,omitempty"`
	ExecutedAt        time.Time       `json:"executed_at"`
	ExecutionTimeMs   int64           `json:"execution_time_ms"`
	DebugInfo         json.RawMessage `json:"debug_info,omitempty"`
}

// Outcome classifies the execution for stats and metrics. Non-matches are
// neither successes nor failures; anything that recorded an error
// (dispatch failure, timeout) is a failure even if conditions were never
// fully evaluated.
func (e *RuleExecution) Outcome() string {
	if e.ErrorMessage != "" {
		return OutcomeFailure
	}
	if !e.ConditionsMet {
		return OutcomeNoMatch
	}
	if e.ActionsSuccess {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

// RuleTemplate is a reusable rule starting point. A nil OrgID marks a
// global template visible to every org.
type RuleTemplate struct {
	ID                 uuid.UUID       `json:"id"`
	OrgID              *uuid.UUID      `json:"org_id,omitempty"`
	Name               string          `json:"name"`
	Description        string          `json:"description,omitempty"`
	RuleType           string          `json:"rule_type"`
	Category           string          `json:"category,omitempty"`
	TemplateConditions json.RawMessage `json:"template_conditions,omitempty"`
	TemplateActions    json.RawMessage `json:"template_actions,omitempty"`
	TemplateConfig     json.RawMessage `json:"template_config,omitempty"`
	RequiredVariables  []string        `json:"required_variables,omitempty"`
	UsageCount         int64           `json:"usage_count"`
	IsActive           bool            `json:"is_active"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// ChangeEvent is a normalized description of a committed role/rule
// mutation, owed to the delivery transport until ProcessedAt is set.
type ChangeEvent struct {
	ID            uuid.UUID       `json:"id"`
	ChangeType    string          `json:"change_type"`
	OrgID         uuid.UUID       `json:"org_id"`
	UserID        *uuid.UUID      `json:"user_id,omitempty"`
	RoleID        *uuid.UUID      `json:"role_id,omitempty"`
	RuleID        *uuid.UUID      `json:"rule_id,omitempty"`
	ChangeData    json.RawMessage `json:"change_data,omitempty"`
	AffectedUsers []uuid.UUID     `json:"affected_users,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
}

// EvalContext carries the identity and payload a single evaluation pass
// runs against. ReferenceTime anchors time-windowed aggregates; a zero
// value means "now".
type EvalContext struct {
	OrgID         uuid.UUID
	PatientID     uuid.UUID
	UserID        uuid.UUID
	UserRole      string
	Location      string
	TriggerData   map[string]any
	ReferenceTime time.Time
}

// Ref returns the reference time, defaulting to the current time.
func (ec EvalContext) Ref() time.Time {
	if ec.ReferenceTime.IsZero() {
		return time.Now().UTC()
	}
	return ec.ReferenceTime
}

// CacheKey identifies the context for variable caching. Resolved values
// are pure functions of (variable, org, patient), so the reference time is
// deliberately excluded; staleness is bounded by the cache TTL.
func (ec EvalContext) CacheKey() string {
	return ec.OrgID.String() + "|" + ec.PatientID.String()
}

// Facts merges trigger data with the standard context fields exposed to
// conditions and action token substitution.
func (ec EvalContext) Facts() map[string]any {
	facts := make(map[string]any, len(ec.TriggerData)+4)
	for k, v := range ec.TriggerData {
		facts[k] = v
	}
	ref := ec.Ref()
	facts["context"] = map[string]any{
		"user_role":   ec.UserRole,
		"location":    ec.Location,
		"time_of_day": ref.Format("15:04"),
		"day_of_week": strings.ToLower(ref.Weekday().String()),
	}
	if ec.PatientID != uuid.Nil {
		facts["patient_id"] = ec.PatientID.String()
	}
	if ec.UserID != uuid.Nil {
		facts["user_id"] = ec.UserID.String()
	}
	return facts
}
