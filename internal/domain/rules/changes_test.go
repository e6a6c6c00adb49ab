package rules

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func roleSnapshot(id uuid.UUID, name string, permissions []any) map[string]any {
	return map[string]any{
		"id":          id.String(),
		"name":        name,
		"permissions": permissions,
	}
}

func TestOnMutationRoleCreated(t *testing.T) {
	orgID := uuid.New()
	roleID := uuid.New()
	userA, userB := uuid.New(), uuid.New()

	changes := &mockChangeRepo{}
	assignments := &mockAssignments{assignees: map[uuid.UUID][]uuid.UUID{
		roleID: {userA, userB},
	}}
	emitter := NewEmitter(changes, assignments, zerolog.Nop())

	events, err := emitter.OnMutation(context.Background(), EntityRole, orgID, nil,
		roleSnapshot(roleID, "charge-nurse", []any{"patients:read"}))
	if err != nil {
		t.Fatalf("OnMutation: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.ChangeType != ChangeRoleCreated || ev.RoleID == nil || *ev.RoleID != roleID {
		t.Errorf("event = %+v", ev)
	}
	if len(ev.AffectedUsers) != 2 {
		t.Errorf("affected_users = %v, want the role's active assignees", ev.AffectedUsers)
	}
	if len(changes.events) != 1 {
		t.Error("event not persisted")
	}
}

func TestOnMutationCosmeticRoleEditSuppressed(t *testing.T) {
	orgID := uuid.New()
	roleID := uuid.New()
	changes := &mockChangeRepo{}
	emitter := NewEmitter(changes, &mockAssignments{}, zerolog.Nop())

	before := roleSnapshot(roleID, "charge-nurse", []any{"patients:read"})
	after := roleSnapshot(roleID, "Charge Nurse (renamed)", []any{"patients:read"})
	after["description"] = "updated wording"

	events, err := emitter.OnMutation(context.Background(), EntityRole, orgID, before, after)
	if err != nil {
		t.Fatalf("OnMutation: %v", err)
	}
	if len(events) != 0 || len(changes.events) != 0 {
		t.Errorf("cosmetic edit emitted %d events, want 0", len(changes.events))
	}
}

func TestOnMutationPermissionEditEmits(t *testing.T) {
	orgID := uuid.New()
	roleID := uuid.New()
	user := uuid.New()

	changes := &mockChangeRepo{}
	assignments := &mockAssignments{assignees: map[uuid.UUID][]uuid.UUID{roleID: {user}}}
	emitter := NewEmitter(changes, assignments, zerolog.Nop())

	before := roleSnapshot(roleID, "charge-nurse", []any{"patients:read"})
	after := roleSnapshot(roleID, "charge-nurse", []any{"patients:read", "orders:write"})

	events, err := emitter.OnMutation(context.Background(), EntityRole, orgID, before, after)
	if err != nil {
		t.Fatalf("OnMutation: %v", err)
	}
	if len(events) != 1 || events[0].ChangeType != ChangeRoleUpdated {
		t.Fatalf("events = %+v", events)
	}
	if len(events[0].AffectedUsers) != 1 || events[0].AffectedUsers[0] != user {
		t.Errorf("affected_users = %v", events[0].AffectedUsers)
	}

	var data map[string]map[string]any
	if err := json.Unmarshal(events[0].ChangeData, &data); err != nil {
		t.Fatalf("change_data: %v", err)
	}
	if data["before"] == nil || data["after"] == nil {
		t.Errorf("change_data = %s, want before/after snapshots", events[0].ChangeData)
	}
}

func TestOnMutationRuleLifecycle(t *testing.T) {
	orgID := uuid.New()
	ruleID := uuid.New()
	changes := &mockChangeRepo{}
	emitter := NewEmitter(changes, &mockAssignments{}, zerolog.Nop())

	snapshot := map[string]any{"id": ruleID.String(), "name": "bp-alert"}

	tests := []struct {
		name          string
		before, after map[string]any
		want          string
	}{
		{"created", nil, snapshot, ChangeRuleCreated},
		{"updated", snapshot, snapshot, ChangeRuleUpdated},
		{"deleted", snapshot, nil, ChangeRuleDeleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := emitter.OnMutation(context.Background(), EntityRule, orgID, tt.before, tt.after)
			if err != nil {
				t.Fatalf("OnMutation: %v", err)
			}
			if len(events) != 1 || events[0].ChangeType != tt.want {
				t.Errorf("events = %+v, want %s", events, tt.want)
			}
			if events[0].RuleID == nil || *events[0].RuleID != ruleID {
				t.Errorf("rule_id = %v", events[0].RuleID)
			}
		})
	}
}

func TestOnMutationRejectsUnknownEntity(t *testing.T) {
	emitter := NewEmitter(&mockChangeRepo{}, &mockAssignments{}, zerolog.Nop())
	if _, err := emitter.OnMutation(context.Background(), "patient", uuid.New(), nil, map[string]any{"id": uuid.NewString()}); err == nil {
		t.Error("expected error for unknown entity type")
	}
}

// recordingTransport collects delivered events; failAfter injects a
// delivery failure partway through a batch.
type recordingTransport struct {
	delivered []uuid.UUID
	failAfter int
}

func (tr *recordingTransport) Deliver(_ context.Context, ev ChangeEvent) error {
	if tr.failAfter > 0 && len(tr.delivered) >= tr.failAfter {
		return errors.New("socket closed")
	}
	tr.delivered = append(tr.delivered, ev.ID)
	return nil
}

func seedChange(t *testing.T, repo *mockChangeRepo, orgID uuid.UUID) *ChangeEvent {
	t.Helper()
	ev := &ChangeEvent{ID: uuid.New(), ChangeType: ChangeRuleUpdated, OrgID: orgID}
	if err := repo.Create(context.Background(), ev); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return ev
}

func TestDeliverPendingMarksProcessedOnce(t *testing.T) {
	orgID := uuid.New()
	changes := &mockChangeRepo{}
	first := seedChange(t, changes, orgID)
	second := seedChange(t, changes, orgID)

	transport := &recordingTransport{}
	d := NewChangeDispatcher(changes, transport, 0, zerolog.Nop())

	delivered, err := d.DeliverPending(context.Background())
	if err != nil {
		t.Fatalf("DeliverPending: %v", err)
	}
	if delivered != 2 {
		t.Errorf("delivered = %d, want 2", delivered)
	}
	if first.ProcessedAt == nil || second.ProcessedAt == nil {
		t.Error("events not marked processed")
	}

	// A second pass finds nothing pending.
	delivered, err = d.DeliverPending(context.Background())
	if err != nil || delivered != 0 {
		t.Errorf("second pass = %d, %v; want 0, nil", delivered, err)
	}
	if len(transport.delivered) != 2 {
		t.Errorf("transport saw %d deliveries, want 2", len(transport.delivered))
	}
}

func TestDeliverPendingStopsOnFailure(t *testing.T) {
	orgID := uuid.New()
	changes := &mockChangeRepo{}
	first := seedChange(t, changes, orgID)
	second := seedChange(t, changes, orgID)

	transport := &recordingTransport{failAfter: 1}
	d := NewChangeDispatcher(changes, transport, 0, zerolog.Nop())

	delivered, err := d.DeliverPending(context.Background())
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivered)
	}
	if first.ProcessedAt == nil {
		t.Error("first event should be processed")
	}
	if second.ProcessedAt != nil {
		t.Error("failed event must stay pending for retry")
	}

	// Retry picks up where it left off.
	transport.failAfter = 0
	delivered, err = d.DeliverPending(context.Background())
	if err != nil || delivered != 1 {
		t.Errorf("retry = %d, %v; want 1, nil", delivered, err)
	}
	if second.ProcessedAt == nil {
		t.Error("retried event not marked processed")
	}
}

func TestMarkProcessedSecondCallIsNoop(t *testing.T) {
	orgID := uuid.New()
	changes := &mockChangeRepo{}
	ev := seedChange(t, changes, orgID)

	marked, err := changes.MarkProcessed(context.Background(), ev.ID)
	if err != nil || !marked {
		t.Fatalf("first MarkProcessed = %v, %v", marked, err)
	}
	marked, err = changes.MarkProcessed(context.Background(), ev.ID)
	if err != nil || marked {
		t.Errorf("second MarkProcessed = %v, %v; want false, nil", marked, err)
	}
}
