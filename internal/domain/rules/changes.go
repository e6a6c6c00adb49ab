package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/rules/internal/platform/metrics"
)

// AssignmentReader answers "who currently holds this role". Computed at
// emission time against the assignment relation, never cached on the
// role, so affected-user sets cannot go stale.
type AssignmentReader interface {
	ActiveAssignees(ctx context.Context, orgID, roleID uuid.UUID) ([]uuid.UUID, error)
}

// Transport delivers a change event to its affected users in real time.
type Transport interface {
	Deliver(ctx context.Context, ev ChangeEvent) error
}

// Emitter observes committed role/rule mutations and produces normalized
// change events for the delivery transport.
type Emitter struct {
	changes     ChangeRepo
	assignments AssignmentReader
	logger      zerolog.Logger
}

func NewEmitter(changes ChangeRepo, assignments AssignmentReader, logger zerolog.Logger) *Emitter {
	return &Emitter{changes: changes, assignments: assignments, logger: logger}
}

// Entity types accepted by OnMutation.
const (
	EntityRole = "role"
	EntityRule = "rule"
)

// OnMutation classifies a committed mutation and persists at most one
// change event. A role update that does not touch the permissions array
// is suppressed entirely; cosmetic edits make no noise.
func (e *Emitter) OnMutation(ctx context.Context, entityType string, orgID uuid.UUID, before, after map[string]any) ([]*ChangeEvent, error) {
	changeType, err := classifyChange(entityType, before, after)
	if err != nil {
		return nil, err
	}
	if changeType == "" {
		return nil, nil
	}

	if entityType == EntityRole && changeType == ChangeRoleUpdated && !permissionsChanged(before, after) {
		return nil, nil
	}

	ev := &ChangeEvent{
		ID:         uuid.New(),
		ChangeType: changeType,
		OrgID:      orgID,
		CreatedAt:  time.Now().UTC(),
	}

	entityID, ok := entityUUID(before, after)
	if !ok {
		return nil, fmt.Errorf("mutation for %s carries no id", entityType)
	}
	switch entityType {
	case EntityRole:
		roleID := entityID
		ev.RoleID = &roleID
		if e.assignments != nil {
			users, err := e.assignments.ActiveAssignees(ctx, orgID, roleID)
			if err != nil {
				return nil, fmt.Errorf("compute affected users for role %s: %w", roleID, err)
			}
			ev.AffectedUsers = users
		}
	case EntityRule:
		ruleID := entityID
		ev.RuleID = &ruleID
	}

	if data, err := json.Marshal(map[string]any{"before": before, "after": after}); err == nil {
		ev.ChangeData = data
	}

	if err := e.changes.Create(ctx, ev); err != nil {
		return nil, fmt.Errorf("persist change event: %w", err)
	}
	metrics.ChangeEventsEmitted.WithLabelValues(changeType).Inc()
	e.logger.Info().
		Str("change_type", changeType).
		Str("org_id", orgID.String()).
		Int("affected_users", len(ev.AffectedUsers)).
		Msg("change event emitted")

	return []*ChangeEvent{ev}, nil
}

func classifyChange(entityType string, before, after map[string]any) (string, error) {
	var created, updated, deleted string
	switch entityType {
	case EntityRole:
		created, updated, deleted = ChangeRoleCreated, ChangeRoleUpdated, ChangeRoleDeleted
	case EntityRule:
		created, updated, deleted = ChangeRuleCreated, ChangeRuleUpdated, ChangeRuleDeleted
	default:
		return "", fmt.Errorf("unknown entity type %q", entityType)
	}

	switch {
	case before == nil && after == nil:
		return "", nil
	case before == nil:
		return created, nil
	case after == nil:
		return deleted, nil
	default:
		return updated, nil
	}
}

// permissionsChanged compares the permission-bearing fields of a role
// snapshot. Both "permissions" and "actions" count.
func permissionsChanged(before, after map[string]any) bool {
	for _, field := range []string{"permissions", "actions"} {
		b, _ := json.Marshal(before[field])
		a, _ := json.Marshal(after[field])
		if !bytes.Equal(b, a) {
			return true
		}
	}
	return false
}

func entityUUID(before, after map[string]any) (uuid.UUID, bool) {
	for _, snapshot := range []map[string]any{after, before} {
		if snapshot == nil {
			continue
		}
		raw, ok := snapshot["id"].(string)
		if !ok {
			continue
		}
		id, err := uuid.Parse(raw)
		if err == nil {
			return id, true
		}
	}
	return uuid.Nil, false
}

// ---------------------------------------------------------------------------
// Change dispatcher
// ---------------------------------------------------------------------------

// ChangeDispatcher drains unprocessed change events to the transport on
// an interval. Delivery is at-least-once: processed_at is only set after
// the transport accepts the event.
type ChangeDispatcher struct {
	changes   ChangeRepo
	transport Transport
	interval  time.Duration
	batchSize int
	logger    zerolog.Logger
}

func NewChangeDispatcher(changes ChangeRepo, transport Transport, interval time.Duration, logger zerolog.Logger) *ChangeDispatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ChangeDispatcher{
		changes:   changes,
		transport: transport,
		interval:  interval,
		batchSize: 100,
		logger:    logger,
	}
}

// Run polls until the context is cancelled.
func (d *ChangeDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.DeliverPending(ctx); err != nil {
				d.logger.Error().Err(err).Msg("change event delivery pass failed")
			}
		}
	}
}

// DeliverPending delivers one batch of unprocessed events, returning the
// number delivered. A single event's delivery failure stops the pass so
// ordering is preserved on retry.
func (d *ChangeDispatcher) DeliverPending(ctx context.Context) (int, error) {
	pending, err := d.changes.ListUnprocessed(ctx, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list unprocessed change events: %w", err)
	}

	delivered := 0
	for _, ev := range pending {
		if err := d.transport.Deliver(ctx, *ev); err != nil {
			return delivered, fmt.Errorf("deliver change event %s: %w", ev.ID, err)
		}
		marked, err := d.changes.MarkProcessed(ctx, ev.ID)
		if err != nil {
			return delivered, fmt.Errorf("mark change event %s processed: %w", ev.ID, err)
		}
		if marked {
			delivered++
			metrics.ChangeEventsDelivered.Inc()
		}
	}
	return delivered, nil
}
