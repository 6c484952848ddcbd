package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"deskline/internal/domain"
)

// Event types written to the audit log and broadcast on the bus.
const (
	ItemCreated      = "item.created"
	ItemClaimed      = "item.claimed"
	ItemStarted      = "item.started"
	ItemCompleted    = "item.completed"
	ItemFailed       = "item.failed"
	ItemRequeued     = "item.requeued"
	ItemCancelled    = "item.cancelled"
	ItemBlocked      = "item.blocked"
	ItemUnblocked    = "item.unblocked"
	ItemRouted       = "item.routed"
	ItemDeleted      = "item.deleted"
	QuestionCreated  = "question.created"
	QuestionAnswered = "question.answered"
	QuestionDismiss  = "question.dismissed"
	DeskCreated      = "desk.created"
	DeskUpdated      = "desk.updated"
	DeskDeleted      = "desk.deleted"
	MonitorCreated   = "monitor.created"
	MonitorPolled    = "monitor.polled"
	MonitorErrored   = "monitor.errored"
	MonitorUpdated   = "monitor.updated"
	MonitorDeleted   = "monitor.deleted"
	WebhookSetup     = "monitor.webhook_setup"
	WebhookTeardown  = "monitor.webhook_teardown"
	PlaybookCreated  = "playbook.created"
	PlaybookDeleted  = "playbook.deleted"
	APIKeyCreated    = "apikey.created"
	APIKeyRevoked    = "apikey.revoked"
)

type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit event using the caller's transaction.
func (w Writer) Append(ctx context.Context, tx Execer, evtType, tenantID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,tenant_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		domain.FormatTime(now()), evtType, tenantID, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
