package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ehr/rules/internal/domain/rules"
)

// Transport delivers change events over the hub. It implements
// rules.Transport: each affected user's topic receives the event, plus the
// org-wide topic so admin dashboards can watch everything.
type Transport struct {
	hub *Hub
}

func NewTransport(hub *Hub) *Transport {
	return &Transport{hub: hub}
}

func (t *Transport) Deliver(_ context.Context, ev rules.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}

	now := time.Now().UTC()
	for _, userID := range ev.AffectedUsers {
		t.hub.Broadcast("user:"+userID.String(), Event{
			Type:      ev.ChangeType,
			Topic:     "user:" + userID.String(),
			OrgID:     ev.OrgID.String(),
			Timestamp: now,
			Data:      data,
		})
	}

	orgTopic := "org:" + ev.OrgID.String()
	t.hub.Broadcast(orgTopic, Event{
		Type:      ev.ChangeType,
		Topic:     orgTopic,
		OrgID:     ev.OrgID.String(),
		Timestamp: now,
		Data:      data,
	})

	return nil
}
