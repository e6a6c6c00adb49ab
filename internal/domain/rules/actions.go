package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
)

// ActionIntent is a data-only description of one side effect a matched
// rule wants performed. Execution belongs to registered handlers, never
// to the engine itself.
type ActionIntent struct {
	ActionType string         `json:"action_type"`
	Target     string         `json:"target,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Intent action types produced by the dispatcher.
const (
	ActionCreateTask       = "create_task"
	ActionEmitAlert        = "emit_alert"
	ActionCDSCard          = "cds_card"
	ActionAssignMedication = "assign_medication"
	ActionScheduleReminder = "schedule_reminder"
	ActionSendNotification = "send_notification"
	ActionWorkflowStep     = "workflow_step"
	ActionError            = "error"
)

// Task assignment strategies.
var validAssignmentStrategies = map[string]bool{
	"user":              true,
	"pool":              true,
	"role":              true,
	"round_robin":       true,
	"workload_balanced": true,
	"ordering_provider": true,
}

var validSeverities = map[string]bool{
	"info":     true,
	"warning":  true,
	"critical": true,
}

// Dispatch turns a matched rule's action specification into intents.
// Malformed specifications produce a single error intent instead of
// failing, so the orchestrator records a failed-but-logged execution.
func Dispatch(rule *Rule, ec EvalContext, resolved map[string]any) []ActionIntent {
	intents, err := buildIntents(rule, tokenContext(ec, resolved))
	if err != nil {
		return []ActionIntent{{
			ActionType: ActionError,
			Payload: map[string]any{
				"error":     err.Error(),
				"rule_type": rule.RuleType,
			},
		}}
	}
	return intents
}

// ValidateActions checks an action specification at rule-save time so
// shape errors surface as configuration errors.
func ValidateActions(ruleType string, actions json.RawMessage) error {
	_, err := buildIntents(&Rule{RuleType: ruleType, Actions: actions}, map[string]any{})
	return err
}

func buildIntents(rule *Rule, tokens map[string]any) ([]ActionIntent, error) {
	if len(rule.Actions) == 0 {
		return nil, nil
	}

	var spec map[string]any
	if err := json.Unmarshal(rule.Actions, &spec); err != nil {
		return nil, fmt.Errorf("actions must be an object: %w", err)
	}

	switch rule.RuleType {
	case RuleTypeTaskAssignment:
		return buildTaskIntent(spec, tokens)
	case RuleTypeAlert:
		return buildAlertIntent(spec, tokens)
	case RuleTypeCDSHook:
		return buildCDSIntent(spec, tokens)
	case RuleTypeMedicationAssignment:
		return buildMedicationIntent(spec, tokens)
	case RuleTypeReminder:
		return buildReminderIntent(spec, tokens)
	case RuleTypeNotification:
		return buildNotificationIntent(spec, tokens)
	case RuleTypeWorkflowAutomation:
		return buildWorkflowIntents(spec, tokens)
	}
	return nil, fmt.Errorf("unknown rule type %q", rule.RuleType)
}

func buildTaskIntent(spec, tokens map[string]any) ([]ActionIntent, error) {
	task, _ := spec["task"].(map[string]any)
	if task == nil {
		return nil, fmt.Errorf("task_assignment actions require a task object")
	}
	assignment, _ := spec["assignment"].(map[string]any)
	strategy, _ := stringField(assignment, "strategy")
	if !validAssignmentStrategies[strategy] {
		return nil, fmt.Errorf("task_assignment requires a valid assignment strategy, got %q", strategy)
	}
	switch strategy {
	case "user":
		if _, ok := stringField(assignment, "assignee_id"); !ok {
			return nil, fmt.Errorf("assignment strategy user requires assignee_id")
		}
	case "pool", "round_robin", "workload_balanced":
		if _, ok := stringField(assignment, "pool_id"); !ok {
			return nil, fmt.Errorf("assignment strategy %s requires pool_id", strategy)
		}
	case "role":
		if _, ok := stringField(assignment, "role"); !ok {
			return nil, fmt.Errorf("assignment strategy role requires role")
		}
	}

	payload := map[string]any{
		"task":       substituteValue(task, tokens),
		"assignment": substituteValue(assignment, tokens),
	}
	return []ActionIntent{{ActionType: ActionCreateTask, Target: strategy, Payload: payload}}, nil
}

func buildAlertIntent(spec, tokens map[string]any) ([]ActionIntent, error) {
	severity, _ := stringField(spec, "severity")
	if !validSeverities[severity] {
		return nil, fmt.Errorf("alert actions require severity in {info, warning, critical}, got %q", severity)
	}
	audience, ok := spec["audience"].([]any)
	if !ok || len(audience) == 0 {
		return nil, fmt.Errorf("alert actions require a non-empty audience")
	}
	payload := map[string]any{
		"severity": severity,
		"audience": audience,
		"message":  substituteValue(spec["message"], tokens),
	}
	return []ActionIntent{{ActionType: ActionEmitAlert, Target: severity, Payload: payload}}, nil
}

func buildCDSIntent(spec, tokens map[string]any) ([]ActionIntent, error) {
	card, _ := spec["card"].(map[string]any)
	if card == nil {
		return nil, fmt.Errorf("cds_hook actions require a card object")
	}
	if _, ok := stringField(card, "summary"); !ok {
		return nil, fmt.Errorf("cds_hook card requires a summary")
	}
	indicator, _ := stringField(card, "indicator")
	if !validSeverities[indicator] {
		return nil, fmt.Errorf("cds_hook card requires indicator in {info, warning, critical}, got %q", indicator)
	}
	payload := map[string]any{"card": substituteValue(card, tokens)}
	return []ActionIntent{{ActionType: ActionCDSCard, Target: indicator, Payload: payload}}, nil
}

func buildMedicationIntent(spec, tokens map[string]any) ([]ActionIntent, error) {
	med, _ := spec["medication"].(map[string]any)
	if med == nil {
		return nil, fmt.Errorf("medication_assignment actions require a medication object")
	}
	code, ok := stringField(med, "code")
	if !ok {
		return nil, fmt.Errorf("medication_assignment requires a medication code")
	}
	payload := map[string]any{"medication": substituteValue(med, tokens)}
	return []ActionIntent{{ActionType: ActionAssignMedication, Target: code, Payload: payload}}, nil
}

func buildReminderIntent(spec, tokens map[string]any) ([]ActionIntent, error) {
	reminder, _ := spec["reminder"].(map[string]any)
	if reminder == nil {
		return nil, fmt.Errorf("reminder actions require a reminder object")
	}
	if _, ok := stringField(reminder, "message"); !ok {
		return nil, fmt.Errorf("reminder requires a message")
	}
	payload := map[string]any{"reminder": substituteValue(reminder, tokens)}
	return []ActionIntent{{ActionType: ActionScheduleReminder, Payload: payload}}, nil
}

func buildNotificationIntent(spec, tokens map[string]any) ([]ActionIntent, error) {
	recipients, ok := spec["recipients"].([]any)
	if !ok || len(recipients) == 0 {
		return nil, fmt.Errorf("notification actions require non-empty recipients")
	}
	_, hasMessage := stringField(spec, "message")
	_, hasTemplate := stringField(spec, "template")
	if !hasMessage && !hasTemplate {
		return nil, fmt.Errorf("notification actions require a message or template")
	}
	payload := map[string]any{
		"recipients": recipients,
		"message":    substituteValue(spec["message"], tokens),
		"template":   spec["template"],
	}
	return []ActionIntent{{ActionType: ActionSendNotification, Payload: payload}}, nil
}

func buildWorkflowIntents(spec, tokens map[string]any) ([]ActionIntent, error) {
	steps, ok := spec["steps"].([]any)
	if !ok || len(steps) == 0 {
		return nil, fmt.Errorf("workflow_automation actions require a non-empty steps array")
	}
	intents := make([]ActionIntent, 0, len(steps))
	for i, raw := range steps {
		step, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("workflow step %d must be an object", i)
		}
		action, ok := stringField(step, "action")
		if !ok {
			return nil, fmt.Errorf("workflow step %d requires an action", i)
		}
		payload, _ := substituteValue(step, tokens).(map[string]any)
		intents = append(intents, ActionIntent{ActionType: ActionWorkflowStep, Target: action, Payload: payload})
	}
	return intents, nil
}

func stringField(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	s, ok := m[key].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// ---------------------------------------------------------------------------
// Token substitution
// ---------------------------------------------------------------------------

var actionTokenPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// tokenContext builds the lookup map action payloads substitute from:
// trigger facts at the top level plus resolved variables under "var".
func tokenContext(ec EvalContext, resolved map[string]any) map[string]any {
	tokens := ec.Facts()
	vars := make(map[string]any, len(resolved))
	for k, v := range resolved {
		vars[k] = v
	}
	tokens["var"] = vars
	return tokens
}

// replaceTokens substitutes {{dotted.path}} occurrences with values from
// data. Unresolvable tokens become empty strings.
func replaceTokens(s string, data map[string]any) string {
	return actionTokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		path := actionTokenPattern.FindStringSubmatch(token)[1]
		value, ok := lookupPath(data, path)
		if !ok || value == nil {
			return ""
		}
		return fmt.Sprintf("%v", value)
	})
}

func substituteValue(v any, data map[string]any) any {
	switch node := v.(type) {
	case string:
		return replaceTokens(node, data)
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			out[k] = substituteValue(child, data)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			out[i] = substituteValue(child, data)
		}
		return out
	}
	return v
}

// ---------------------------------------------------------------------------
// Handler registry
// ---------------------------------------------------------------------------

// ActionHandler performs the external side effect for one intent type.
type ActionHandler interface {
	Execute(ctx context.Context, intent ActionIntent) error
}

// ActionHandlerFunc adapts a function to ActionHandler.
type ActionHandlerFunc func(ctx context.Context, intent ActionIntent) error

func (f ActionHandlerFunc) Execute(ctx context.Context, intent ActionIntent) error {
	return f(ctx, intent)
}

// HandlerRegistry maps intent action types to their external executors.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ActionHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]ActionHandler)}
}

func (r *HandlerRegistry) Register(actionType string, h ActionHandler) {
	r.mu.Lock()
	r.handlers[actionType] = h
	r.mu.Unlock()
}

func (r *HandlerRegistry) Get(actionType string) (ActionHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionType]
	return h, ok
}
