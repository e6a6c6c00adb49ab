package rules

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestDispatchTaskAssignment(t *testing.T) {
	rule := &Rule{
		RuleType: RuleTypeTaskAssignment,
		Actions: json.RawMessage(`{
			"task": {"title": "Review abnormal {{lab_name}} result", "priority": "high"},
			"assignment": {"strategy": "pool", "pool_id": "nursing-pool"}
		}`),
	}
	ec := EvalContext{TriggerData: map[string]any{"lab_name": "glucose"}}

	intents := Dispatch(rule, ec, nil)
	if len(intents) != 1 {
		t.Fatalf("got %d intents, want 1", len(intents))
	}
	intent := intents[0]
	if intent.ActionType != ActionCreateTask || intent.Target != "pool" {
		t.Errorf("intent = %+v", intent)
	}
	task := intent.Payload["task"].(map[string]any)
	if task["title"] != "Review abnormal glucose result" {
		t.Errorf("title = %q, tokens not substituted", task["title"])
	}
}

func TestDispatchTaskAssignmentStrategyValidation(t *testing.T) {
	tests := []struct {
		name    string
		actions string
	}{
		{"missing strategy", `{"task":{"title":"t"},"assignment":{}}`},
		{"unknown strategy", `{"task":{"title":"t"},"assignment":{"strategy":"coin_flip"}}`},
		{"user without assignee", `{"task":{"title":"t"},"assignment":{"strategy":"user"}}`},
		{"pool without pool_id", `{"task":{"title":"t"},"assignment":{"strategy":"round_robin"}}`},
		{"role without role", `{"task":{"title":"t"},"assignment":{"strategy":"role"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := &Rule{RuleType: RuleTypeTaskAssignment, Actions: json.RawMessage(tt.actions)}
			intents := Dispatch(rule, EvalContext{}, nil)
			if len(intents) != 1 || intents[0].ActionType != ActionError {
				t.Errorf("intents = %+v, want single error intent", intents)
			}
		})
	}
}

func TestDispatchAlert(t *testing.T) {
	rule := &Rule{
		RuleType: RuleTypeAlert,
		Actions: json.RawMessage(`{
			"severity": "critical",
			"audience": ["physician"],
			"message": "BP average {{var.avg_systolic_bp}} exceeds threshold"
		}`),
	}
	intents := Dispatch(rule, EvalContext{}, map[string]any{"avg_systolic_bp": 142.0})
	if len(intents) != 1 || intents[0].ActionType != ActionEmitAlert {
		t.Fatalf("intents = %+v", intents)
	}
	if msg := intents[0].Payload["message"]; msg != "BP average 142 exceeds threshold" {
		t.Errorf("message = %q", msg)
	}

	bad := &Rule{RuleType: RuleTypeAlert, Actions: json.RawMessage(`{"severity":"urgent","audience":["x"]}`)}
	if intents := Dispatch(bad, EvalContext{}, nil); intents[0].ActionType != ActionError {
		t.Error("invalid severity should produce an error intent")
	}
}

func TestDispatchCDSHook(t *testing.T) {
	rule := &Rule{
		RuleType: RuleTypeCDSHook,
		Actions:  json.RawMessage(`{"card":{"summary":"Check renal dosing","indicator":"warning"}}`),
	}
	intents := Dispatch(rule, EvalContext{}, nil)
	if len(intents) != 1 || intents[0].ActionType != ActionCDSCard || intents[0].Target != "warning" {
		t.Errorf("intents = %+v", intents)
	}

	bad := &Rule{RuleType: RuleTypeCDSHook, Actions: json.RawMessage(`{"card":{"indicator":"warning"}}`)}
	if intents := Dispatch(bad, EvalContext{}, nil); intents[0].ActionType != ActionError {
		t.Error("card without summary should produce an error intent")
	}
}

func TestDispatchWorkflowSteps(t *testing.T) {
	rule := &Rule{
		RuleType: RuleTypeWorkflowAutomation,
		Actions: json.RawMessage(`{"steps":[
			{"action":"flag_chart","reason":"{{reason}}"},
			{"action":"notify_care_team"}
		]}`),
	}
	intents := Dispatch(rule, EvalContext{TriggerData: map[string]any{"reason": "overdue"}}, nil)
	if len(intents) != 2 {
		t.Fatalf("got %d intents, want 2", len(intents))
	}
	if intents[0].Target != "flag_chart" || intents[1].Target != "notify_care_team" {
		t.Errorf("targets = %q, %q", intents[0].Target, intents[1].Target)
	}
	if intents[0].Payload["reason"] != "overdue" {
		t.Errorf("step payload = %+v", intents[0].Payload)
	}
}

func TestDispatchMalformedJSON(t *testing.T) {
	rule := &Rule{RuleType: RuleTypeAlert, Actions: json.RawMessage(`[not json`)}
	intents := Dispatch(rule, EvalContext{}, nil)
	if len(intents) != 1 || intents[0].ActionType != ActionError {
		t.Errorf("intents = %+v, want single error intent", intents)
	}
}

func TestDispatchEmptyActions(t *testing.T) {
	rule := &Rule{RuleType: RuleTypeAlert}
	if intents := Dispatch(rule, EvalContext{}, nil); intents != nil {
		t.Errorf("intents = %+v, want nil for empty actions", intents)
	}
}

func TestValidateActions(t *testing.T) {
	good := json.RawMessage(`{"severity":"info","audience":["nurse"],"message":"m"}`)
	if err := ValidateActions(RuleTypeAlert, good); err != nil {
		t.Errorf("valid actions rejected: %v", err)
	}
	bad := json.RawMessage(`{"audience":["nurse"]}`)
	if err := ValidateActions(RuleTypeAlert, bad); err == nil {
		t.Error("expected validation error for missing severity")
	}
}

func TestReplaceTokens(t *testing.T) {
	data := map[string]any{
		"patient": map[string]any{"name": "Jane"},
		"var":     map[string]any{"bp": 140.0},
	}
	got := replaceTokens("{{patient.name}}: BP {{var.bp}} ({{missing}})", data)
	if got != "Jane: BP 140 ()" {
		t.Errorf("replaceTokens = %q", got)
	}
}

func TestTokenContextIncludesContextFields(t *testing.T) {
	ec := EvalContext{
		UserID:      uuid.New(),
		UserRole:    "nurse",
		TriggerData: map[string]any{"event_type": "lab_result"},
	}
	tokens := tokenContext(ec, map[string]any{"x": 1.0})

	if got := replaceTokens("{{context.user_role}}", tokens); got != "nurse" {
		t.Errorf("user_role token = %q", got)
	}
	if got := replaceTokens("{{event_type}}", tokens); got != "lab_result" {
		t.Errorf("event_type token = %q", got)
	}
	if got := replaceTokens("{{var.x}}", tokens); got != "1" {
		t.Errorf("var token = %q", got)
	}
}
