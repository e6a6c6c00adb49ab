package rules

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/rules/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type pgBase struct {
	pool *pgxpool.Pool
}

func (b pgBase) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return b.pool
}

func mapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// ---------------------------------------------------------------------------
// Variables
// ---------------------------------------------------------------------------

type variableRepoPG struct{ pgBase }

func NewVariableRepo(pool *pgxpool.Pool) VariableRepo {
	return &variableRepoPG{pgBase{pool: pool}}
}

const variableCols = `id, org_id, variable_key, display_name, description,
	computation_type, data_source,
	aggregate_function, aggregate_field, aggregate_filters, time_window_hours,
	formula, lookup_table, lookup_key, lookup_value,
	result_type, unit, cache_duration_minutes, is_active, created_at, updated_at`

func (r *variableRepoPG) Create(ctx context.Context, v *RuleVariable) error {
	v.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO rule_variables (
			id, org_id, variable_key, display_name, description,
			computation_type, data_source,
			aggregate_function, aggregate_field, aggregate_filters, time_window_hours,
			formula, lookup_table, lookup_key, lookup_value,
			result_type, unit, cache_duration_minutes, is_active
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		v.ID, v.OrgID, v.VariableKey, v.DisplayName, v.Description,
		v.ComputationType, v.DataSource,
		v.AggregateFunction, v.AggregateField, v.AggregateFilters, v.TimeWindowHours,
		v.Formula, v.LookupTable, v.LookupKey, v.LookupValue,
		v.ResultType, v.Unit, v.CacheDurationMinutes, v.IsActive,
	)
	return err
}

func (r *variableRepoPG) GetByID(ctx context.Context, orgID, id uuid.UUID) (*RuleVariable, error) {
	return scanVariable(r.conn(ctx).QueryRow(ctx,
		`SELECT `+variableCols+` FROM rule_variables WHERE org_id = $1 AND id = $2`, orgID, id))
}

func (r *variableRepoPG) GetByKey(ctx context.Context, orgID uuid.UUID, key string) (*RuleVariable, error) {
	return scanVariable(r.conn(ctx).QueryRow(ctx,
		`SELECT `+variableCols+` FROM rule_variables WHERE org_id = $1 AND variable_key = $2`, orgID, key))
}

func (r *variableRepoPG) List(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*RuleVariable, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM rule_variables WHERE org_id = $1`, orgID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+variableCols+` FROM rule_variables WHERE org_id = $1 ORDER BY variable_key LIMIT $2 OFFSET $3`,
		orgID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var vars []*RuleVariable
	for rows.Next() {
		v, err := scanVariable(rows)
		if err != nil {
			return nil, 0, err
		}
		vars = append(vars, v)
	}
	return vars, total, rows.Err()
}

func (r *variableRepoPG) Update(ctx context.Context, v *RuleVariable) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE rule_variables SET
			display_name=$3, description=$4, computation_type=$5, data_source=$6,
			aggregate_function=$7, aggregate_field=$8, aggregate_filters=$9, time_window_hours=$10,
			formula=$11, lookup_table=$12, lookup_key=$13, lookup_value=$14,
			result_type=$15, unit=$16, cache_duration_minutes=$17, is_active=$18,
			updated_at=NOW()
		WHERE org_id = $1 AND id = $2`,
		v.OrgID, v.ID,
		v.DisplayName, v.Description, v.ComputationType, v.DataSource,
		v.AggregateFunction, v.AggregateField, v.AggregateFilters, v.TimeWindowHours,
		v.Formula, v.LookupTable, v.LookupKey, v.LookupValue,
		v.ResultType, v.Unit, v.CacheDurationMinutes, v.IsActive,
	)
	return err
}

func (r *variableRepoPG) Delete(ctx context.Context, orgID, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM rule_variables WHERE org_id = $1 AND id = $2`, orgID, id)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVariable(row rowScanner) (*RuleVariable, error) {
	var v RuleVariable
	err := row.Scan(
		&v.ID, &v.OrgID, &v.VariableKey, &v.DisplayName, &v.Description,
		&v.ComputationType, &v.DataSource,
		&v.AggregateFunction, &v.AggregateField, &v.AggregateFilters, &v.TimeWindowHours,
		&v.Formula, &v.LookupTable, &v.LookupKey, &v.LookupValue,
		&v.ResultType, &v.Unit, &v.CacheDurationMinutes, &v.IsActive, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &v, nil
}

// ---------------------------------------------------------------------------
// Rules
// ---------------------------------------------------------------------------

type ruleRepoPG struct{ pgBase }

func NewRuleRepo(pool *pgxpool.Pool) RuleRepo {
	return &ruleRepoPG{pgBase{pool: pool}}
}

const ruleCols = `id, org_id, name, description, rule_type, category,
	is_active, priority, trigger_event, trigger_timing,
	conditions, conditions_json_logic, used_variables, actions, config,
	execution_count, success_count, failure_count, last_executed_at,
	created_by, created_at, updated_at`

func (r *ruleRepoPG) Create(ctx context.Context, rule *Rule) error {
	rule.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO rules (
			id, org_id, name, description, rule_type, category,
			is_active, priority, trigger_event, trigger_timing,
			conditions, conditions_json_logic, used_variables, actions, config,
			created_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		rule.ID, rule.OrgID, rule.Name, rule.Description, rule.RuleType, rule.Category,
		rule.IsActive, rule.Priority, rule.TriggerEvent, rule.TriggerTiming,
		rule.Conditions, rule.ConditionsJSONLogic, rule.UsedVariables, rule.Actions, rule.Config,
		rule.CreatedBy,
	)
	return err
}

func (r *ruleRepoPG) GetByID(ctx context.Context, orgID, id uuid.UUID) (*Rule, error) {
	return scanRule(r.conn(ctx).QueryRow(ctx,
		`SELECT `+ruleCols+` FROM rules WHERE org_id = $1 AND id = $2`, orgID, id))
}

func (r *ruleRepoPG) GetByName(ctx context.Context, orgID uuid.UUID, name string) (*Rule, error) {
	return scanRule(r.conn(ctx).QueryRow(ctx,
		`SELECT `+ruleCols+` FROM rules WHERE org_id = $1 AND name = $2`, orgID, name))
}

func (r *ruleRepoPG) List(ctx context.Context, orgID uuid.UUID, filter RuleFilter, limit, offset int) ([]*Rule, int, error) {
	where := `org_id = $1`
	args := []interface{}{orgID}
	if filter.RuleType != "" {
		args = append(args, filter.RuleType)
		where += ` AND rule_type = $` + strconv.Itoa(len(args))
	}
	if filter.TriggerEvent != "" {
		args = append(args, filter.TriggerEvent)
		where += ` AND trigger_event = $` + strconv.Itoa(len(args))
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		where += ` AND category = $` + strconv.Itoa(len(args))
	}
	if filter.ActiveOnly {
		where += ` AND is_active`
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM rules WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+ruleCols+` FROM rules WHERE `+where+
			` ORDER BY priority DESC, created_at ASC LIMIT $`+strconv.Itoa(len(args)-1)+` OFFSET $`+strconv.Itoa(len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectRules(rows, total)
}

func (r *ruleRepoPG) ListActiveForTrigger(ctx context.Context, orgID uuid.UUID, triggerEvent string) ([]*Rule, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+ruleCols+` FROM rules
		 WHERE org_id = $1 AND trigger_event = $2 AND is_active
		 ORDER BY priority DESC, created_at ASC`,
		orgID, triggerEvent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules, _, err := collectRules(rows, 0)
	return rules, err
}

func (r *ruleRepoPG) CountUsingVariable(ctx context.Context, orgID uuid.UUID, variableKey string) (int, error) {
	var count int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM rules WHERE org_id = $1 AND is_active AND $2 = ANY(used_variables)`,
		orgID, variableKey).Scan(&count)
	return count, err
}

func (r *ruleRepoPG) Update(ctx context.Context, rule *Rule) error {
	// Running counters are deliberately excluded; only IncrementStats
	// writes them.
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE rules SET
			name=$3, description=$4, rule_type=$5, category=$6,
			is_active=$7, priority=$8, trigger_event=$9, trigger_timing=$10,
			conditions=$11, conditions_json_logic=$12, used_variables=$13, actions=$14, config=$15,
			updated_at=NOW()
		WHERE org_id = $1 AND id = $2`,
		rule.OrgID, rule.ID,
		rule.Name, rule.Description, rule.RuleType, rule.Category,
		rule.IsActive, rule.Priority, rule.TriggerEvent, rule.TriggerTiming,
		rule.Conditions, rule.ConditionsJSONLogic, rule.UsedVariables, rule.Actions, rule.Config,
	)
	return err
}

func (r *ruleRepoPG) Delete(ctx context.Context, orgID, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM rules WHERE org_id = $1 AND id = $2`, orgID, id)
	return err
}

func (r *ruleRepoPG) IncrementStats(ctx context.Context, id uuid.UUID, outcome string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE rules SET
			execution_count = execution_count + 1,
			success_count = success_count + CASE WHEN $2 = 'success' THEN 1 ELSE 0 END,
			failure_count = failure_count + CASE WHEN $2 = 'failure' THEN 1 ELSE 0 END,
			last_executed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1`, id, outcome)
	return err
}

func scanRule(row rowScanner) (*Rule, error) {
	var rule Rule
	err := row.Scan(
		&rule.ID, &rule.OrgID, &rule.Name, &rule.Description, &rule.RuleType, &rule.Category,
		&rule.IsActive, &rule.Priority, &rule.TriggerEvent, &rule.TriggerTiming,
		&rule.Conditions, &rule.ConditionsJSONLogic, &rule.UsedVariables, &rule.Actions, &rule.Config,
		&rule.ExecutionCount, &rule.SuccessCount, &rule.FailureCount, &rule.LastExecutedAt,
		&rule.CreatedBy, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &rule, nil
}

func collectRules(rows pgx.Rows, total int) ([]*Rule, int, error) {
	var rules []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, 0, err
		}
		rules = append(rules, rule)
	}
	return rules, total, rows.Err()
}

// ---------------------------------------------------------------------------
// Executions
// ---------------------------------------------------------------------------

type executionRepoPG struct{ pgBase }

func NewExecutionRepo(pool *pgxpool.Pool) ExecutionRepo {
	return &executionRepoPG{pgBase{pool: pool}}
}

const executionCols = `id, rule_id, org_id, trigger_event, trigger_data,
	patient_id, user_id, computed_variables, conditions_met, conditions_result,
	actions_performed, actions_success, result_data, error_message, stack_trace,
	executed_at, execution_time_ms, debug_info`

func (r *executionRepoPG) Create(ctx context.Context, e *RuleExecution) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO rule_executions (
			id, rule_id, org_id, trigger_event, trigger_data,
			patient_id, user_id, computed_variables, conditions_met, conditions_result,
			actions_performed, actions_success, result_data, error_message, stack_trace,
			executed_at, execution_time_ms, debug_info
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		e.ID, e.RuleID, e.OrgID, e.TriggerEvent, e.TriggerData,
		e.PatientID, e.UserID, e.ComputedVariables, e.ConditionsMet, e.ConditionsResult,
		e.ActionsPerformed, e.ActionsSuccess, e.ResultData, e.ErrorMessage, e.StackTrace,
		e.ExecutedAt, e.ExecutionTimeMs, e.DebugInfo,
	)
	return err
}

func (r *executionRepoPG) GetByID(ctx context.Context, orgID, id uuid.UUID) (*RuleExecution, error) {
	return scanExecution(r.conn(ctx).QueryRow(ctx,
		`SELECT `+executionCols+` FROM rule_executions WHERE org_id = $1 AND id = $2`, orgID, id))
}

func (r *executionRepoPG) List(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*RuleExecution, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM rule_executions WHERE org_id = $1`, orgID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+executionCols+` FROM rule_executions WHERE org_id = $1
		 ORDER BY executed_at DESC LIMIT $2 OFFSET $3`, orgID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectExecutions(rows, total)
}

func (r *executionRepoPG) ListByRule(ctx context.Context, orgID, ruleID uuid.UUID, limit, offset int) ([]*RuleExecution, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM rule_executions WHERE org_id = $1 AND rule_id = $2`, orgID, ruleID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+executionCols+` FROM rule_executions WHERE org_id = $1 AND rule_id = $2
		 ORDER BY executed_at DESC LIMIT $3 OFFSET $4`, orgID, ruleID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectExecutions(rows, total)
}

func scanExecution(row rowScanner) (*RuleExecution, error) {
	var e RuleExecution
	err := row.Scan(
		&e.ID, &e.RuleID, &e.OrgID, &e.TriggerEvent, &e.TriggerData,
		&e.PatientID, &e.UserID, &e.ComputedVariables, &e.ConditionsMet, &e.ConditionsResult,
		&e.ActionsPerformed, &e.ActionsSuccess, &e.ResultData, &e.ErrorMessage, &e.StackTrace,
		&e.ExecutedAt, &e.ExecutionTimeMs, &e.DebugInfo,
	)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &e, nil
}

func collectExecutions(rows pgx.Rows, total int) ([]*RuleExecution, int, error) {
	var execs []*RuleExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, err
		}
		execs = append(execs, e)
	}
	return execs, total, rows.Err()
}

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

type templateRepoPG struct{ pgBase }

func NewTemplateRepo(pool *pgxpool.Pool) TemplateRepo {
	return &templateRepoPG{pgBase{pool: pool}}
}

const templateCols = `id, org_id, name, description, rule_type, category,
	template_conditions, template_actions, template_config, required_variables,
	usage_count, is_active, created_at, updated_at`

func (r *templateRepoPG) Create(ctx context.Context, t *RuleTemplate) error {
	t.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO rule_templates (
			id, org_id, name, description, rule_type, category,
			template_conditions, template_actions, template_config, required_variables, is_active
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.ID, t.OrgID, t.Name, t.Description, t.RuleType, t.Category,
		t.TemplateConditions, t.TemplateActions, t.TemplateConfig, t.RequiredVariables, t.IsActive,
	)
	return err
}

func (r *templateRepoPG) GetByID(ctx context.Context, orgID, id uuid.UUID) (*RuleTemplate, error) {
	return scanTemplate(r.conn(ctx).QueryRow(ctx,
		`SELECT `+templateCols+` FROM rule_templates
		 WHERE id = $2 AND (org_id = $1 OR org_id IS NULL)`, orgID, id))
}

func (r *templateRepoPG) List(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*RuleTemplate, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM rule_templates WHERE org_id = $1 OR org_id IS NULL`, orgID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+templateCols+` FROM rule_templates
		 WHERE org_id = $1 OR org_id IS NULL
		 ORDER BY usage_count DESC, name LIMIT $2 OFFSET $3`, orgID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var templates []*RuleTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, 0, err
		}
		templates = append(templates, t)
	}
	return templates, total, rows.Err()
}

func (r *templateRepoPG) IncrementUsage(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE rule_templates SET usage_count = usage_count + 1, updated_at = NOW() WHERE id = $1`, id)
	return err
}

func scanTemplate(row rowScanner) (*RuleTemplate, error) {
	var t RuleTemplate
	err := row.Scan(
		&t.ID, &t.OrgID, &t.Name, &t.Description, &t.RuleType, &t.Category,
		&t.TemplateConditions, &t.TemplateActions, &t.TemplateConfig, &t.RequiredVariables,
		&t.UsageCount, &t.IsActive, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &t, nil
}

// ---------------------------------------------------------------------------
// Change events
// ---------------------------------------------------------------------------

type changeRepoPG struct{ pgBase }

func NewChangeRepo(pool *pgxpool.Pool) ChangeRepo {
	return &changeRepoPG{pgBase{pool: pool}}
}

const changeCols = `id, change_type, org_id, user_id, role_id, rule_id,
	change_data, affected_users, created_at, processed_at`

func (r *changeRepoPG) Create(ctx context.Context, ev *ChangeEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO permission_changes (
			id, change_type, org_id, user_id, role_id, rule_id, change_data, affected_users
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		ev.ID, ev.ChangeType, ev.OrgID, ev.UserID, ev.RoleID, ev.RuleID, ev.ChangeData, ev.AffectedUsers,
	)
	return err
}

func (r *changeRepoPG) ListUnprocessed(ctx context.Context, limit int) ([]*ChangeEvent, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+changeCols+` FROM permission_changes
		 WHERE processed_at IS NULL ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events, _, err := collectChanges(rows, 0)
	return events, err
}

func (r *changeRepoPG) ListByOrg(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*ChangeEvent, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM permission_changes WHERE org_id = $1`, orgID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+changeCols+` FROM permission_changes WHERE org_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, orgID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectChanges(rows, total)
}

// MarkProcessed sets processed_at exactly once; a second call is a no-op
// and reports false.
func (r *changeRepoPG) MarkProcessed(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE permission_changes SET processed_at = NOW() WHERE id = $1 AND processed_at IS NULL`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func collectChanges(rows pgx.Rows, total int) ([]*ChangeEvent, int, error) {
	var events []*ChangeEvent
	for rows.Next() {
		var ev ChangeEvent
		if err := rows.Scan(
			&ev.ID, &ev.ChangeType, &ev.OrgID, &ev.UserID, &ev.RoleID, &ev.RuleID,
			&ev.ChangeData, &ev.AffectedUsers, &ev.CreatedAt, &ev.ProcessedAt,
		); err != nil {
			return nil, 0, err
		}
		events = append(events, &ev)
	}
	return events, total, rows.Err()
}

// ---------------------------------------------------------------------------
// Role assignments
// ---------------------------------------------------------------------------

type assignmentRepoPG struct{ pgBase }

func NewAssignmentReader(pool *pgxpool.Pool) AssignmentReader {
	return &assignmentRepoPG{pgBase{pool: pool}}
}

func (r *assignmentRepoPG) ActiveAssignees(ctx context.Context, orgID, roleID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT user_id FROM role_assignments
		 WHERE org_id = $1 AND role_id = $2 AND revoked_at IS NULL`, orgID, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []uuid.UUID
	for rows.Next() {
		var userID uuid.UUID
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		users = append(users, userID)
	}
	return users, rows.Err()
}
