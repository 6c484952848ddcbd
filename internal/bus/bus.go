// Package bus broadcasts committed state changes to interested listeners.
// Publishing is best-effort: a failed publish is logged by the caller and
// never undoes the change it describes.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Message is one broadcast notification.
type Message struct {
	Topic    string          `json:"topic"`
	Type     string          `json:"type"`
	TenantID string          `json:"tenant_id"`
	EntityID string          `json:"entity_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	TS       time.Time       `json:"ts"`
}

// TenantTopic is the topic carrying every change for one tenant.
func TenantTopic(tenantID string) string {
	return "tenant." + tenantID
}

// NewMessage builds a tenant-topic message; payload is JSON encoded.
func NewMessage(tenantID, typ, entityID string, payload any, ts time.Time) (Message, error) {
	msg := Message{
		Topic:    TenantTopic(tenantID),
		Type:     typ,
		TenantID: tenantID,
		EntityID: entityID,
		TS:       ts.UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}
		msg.Payload = data
	}
	return msg, nil
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Nop drops every message.
type Nop struct{}

func (Nop) Publish(context.Context, Message) error { return nil }

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, msg Message) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
