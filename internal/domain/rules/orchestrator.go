package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/rules/internal/platform/metrics"
)

// EventResult summarizes one trigger-event pass.
type EventResult struct {
	TriggerEvent   string           `json:"trigger_event"`
	RulesEvaluated int              `json:"rules_evaluated"`
	Matched        int              `json:"matched"`
	Executions     []*RuleExecution `json:"executions"`
}

// Orchestrator runs the full per-event pipeline: select candidate rules,
// resolve variables, evaluate conditions, dispatch actions, and record
// executions. Rule pipelines run concurrently under a bounded pool, but
// execution records are written in selection order.
type Orchestrator struct {
	rules    RuleRepo
	execs    ExecutionRepo
	resolver *Resolver
	handlers *HandlerRegistry

	ruleTimeout    time.Duration
	maxConcurrency int
	logger         zerolog.Logger
}

func NewOrchestrator(rules RuleRepo, execs ExecutionRepo, resolver *Resolver, handlers *HandlerRegistry, ruleTimeout time.Duration, maxConcurrency int, logger zerolog.Logger) *Orchestrator {
	if ruleTimeout <= 0 {
		ruleTimeout = 5 * time.Second
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 8
	}
	return &Orchestrator{
		rules:          rules,
		execs:          execs,
		resolver:       resolver,
		handlers:       handlers,
		ruleTimeout:    ruleTimeout,
		maxConcurrency: maxConcurrency,
		logger:         logger,
	}
}

// ProcessEvent evaluates every active rule for (org, trigger event).
// Per-rule errors are absorbed into execution records; only a failure to
// persist records or stats propagates, since dropping an audit row is the
// one unrecoverable outcome.
func (o *Orchestrator) ProcessEvent(ctx context.Context, triggerEvent string, ec EvalContext) (*EventResult, error) {
	selected, err := o.rules.ListActiveForTrigger(ctx, ec.OrgID, triggerEvent)
	if err != nil {
		return nil, fmt.Errorf("select rules for %q: %w", triggerEvent, err)
	}

	metrics.EventsProcessed.WithLabelValues(triggerEvent).Inc()
	o.logger.Debug().
		Str("trigger_event", triggerEvent).
		Str("org_id", ec.OrgID.String()).
		Int("candidate_rules", len(selected)).
		Msg("processing trigger event")

	// Run pipelines concurrently but keep results indexed by selection
	// order so records are written higher-priority first.
	executions := make([]*RuleExecution, len(selected))
	sem := make(chan struct{}, o.maxConcurrency)
	var wg sync.WaitGroup

	for i, rule := range selected {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, rule *Rule) {
			defer wg.Done()
			defer func() { <-sem }()

			ruleCtx, cancel := context.WithTimeout(ctx, o.ruleTimeout)
			defer cancel()
			executions[i] = o.runRule(ruleCtx, rule, triggerEvent, ec)
		}(i, rule)
	}
	wg.Wait()

	result := &EventResult{
		TriggerEvent:   triggerEvent,
		RulesEvaluated: len(selected),
		Executions:     executions,
	}

	for i, exec := range executions {
		if exec.ConditionsMet {
			result.Matched++
		}
		outcome := exec.Outcome()
		metrics.RulesEvaluated.WithLabelValues(selected[i].RuleType, outcome).Inc()

		if err := o.execs.Create(ctx, exec); err != nil {
			return nil, fmt.Errorf("persist execution record for rule %s: %w", exec.RuleID, err)
		}
		if err := o.rules.IncrementStats(ctx, exec.RuleID, outcome); err != nil {
			return nil, fmt.Errorf("update stats for rule %s: %w", exec.RuleID, err)
		}
	}

	return result, nil
}

// runRule executes one rule's resolve/evaluate/dispatch pipeline. It
// never returns an error; every outcome becomes part of the execution
// record.
func (o *Orchestrator) runRule(ctx context.Context, rule *Rule, triggerEvent string, ec EvalContext) *RuleExecution {
	start := time.Now()

	exec := &RuleExecution{
		ID:           uuid.New(),
		RuleID:       rule.ID,
		OrgID:        ec.OrgID,
		TriggerEvent: triggerEvent,
	}
	if data, err := json.Marshal(ec.TriggerData); err == nil {
		exec.TriggerData = data
	}
	if ec.PatientID != uuid.Nil {
		patientID := ec.PatientID
		exec.PatientID = &patientID
	}
	if ec.UserID != uuid.Nil {
		userID := ec.UserID
		exec.UserID = &userID
	}

	defer func() {
		exec.ExecutedAt = time.Now().UTC()
		exec.ExecutionTimeMs = time.Since(start).Milliseconds()
		metrics.EvaluationDuration.Observe(float64(exec.ExecutionTimeMs))
	}()

	// Resolving.
	resolutions := o.resolver.ResolveMany(ctx, rule.UsedVariables, ec)
	computed := make(map[string]any, len(resolutions))
	resolutionErrors := make(map[string]string)
	for key, res := range resolutions {
		if res.Err != nil {
			resolutionErrors[key] = res.Err.Error()
			o.logger.Warn().Err(res.Err).
				Str("rule_id", rule.ID.String()).
				Str("variable_key", key).
				Msg("variable resolution failed")
			continue
		}
		computed[key] = res.Value
	}
	exec.ComputedVariables = computed
	if len(resolutionErrors) > 0 {
		if debug, err := json.Marshal(map[string]any{"resolution_errors": resolutionErrors}); err == nil {
			exec.DebugInfo = debug
		}
	}

	if timedOut(ctx) {
		exec.ErrorMessage = o.timeoutMessage(start)
		return exec
	}

	// Evaluating.
	cond, err := ParseCondition(rule.ConditionsJSONLogic)
	if err != nil {
		exec.ConditionsMet = false
		exec.ConditionsResult = &ConditionTrace{Kind: "invalid", Matched: false, Reason: ReasonMalformed}
		return exec
	}
	matched, trace := EvaluateConditions(cond, ec.Facts(), computed)
	exec.ConditionsMet = matched
	exec.ConditionsResult = trace
	if !matched {
		return exec
	}

	if timedOut(ctx) {
		exec.ErrorMessage = o.timeoutMessage(start)
		return exec
	}

	// Dispatching.
	intents := Dispatch(rule, ec, computed)
	exec.ActionsSuccess = true
	for _, intent := range intents {
		if timedOut(ctx) {
			exec.ActionsSuccess = false
			exec.ErrorMessage = o.timeoutMessage(start)
			break
		}
		if err := o.executeIntent(ctx, intent); err != nil {
			exec.ActionsSuccess = false
			if exec.ErrorMessage == "" {
				exec.ErrorMessage = fmt.Sprintf("action %s: %v", intent.ActionType, err)
			}
			metrics.ActionsExecuted.WithLabelValues(intent.ActionType, "failure").Inc()
			continue
		}
		exec.ActionsPerformed = append(exec.ActionsPerformed, intent)
		metrics.ActionsExecuted.WithLabelValues(intent.ActionType, "success").Inc()
	}

	return exec
}

func (o *Orchestrator) executeIntent(ctx context.Context, intent ActionIntent) error {
	if intent.ActionType == ActionError {
		msg, _ := intent.Payload["error"].(string)
		return errors.New(msg)
	}
	handler, ok := o.handlers.Get(intent.ActionType)
	if !ok {
		return fmt.Errorf("no handler registered for action type %q", intent.ActionType)
	}
	return handler.Execute(ctx, intent)
}

func (o *Orchestrator) timeoutMessage(start time.Time) string {
	return fmt.Sprintf("rule execution timed out after %dms", time.Since(start).Milliseconds())
}

func timedOut(ctx context.Context) bool {
	return ctx.Err() != nil
}
