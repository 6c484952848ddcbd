package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"deskline/internal/domain"
	"deskline/internal/ingest"
)

// Feed polls a generic JSON endpoint:
//
//	GET {url}?cursor=C -> {"events":[{"id","type","title",...}],"next_cursor":"D"}
//
// Webhook deliveries carry one such event, or {"events":[...]}, signed as
// X-Signature: sha256=<hex hmac of body>.
type Feed struct {
	opts Options
}

func NewFeed(opts Options) *Feed {
	return &Feed{opts: opts}
}

func (f *Feed) Name() string { return "feed" }

func (f *Feed) ValidateConfig(cfg map[string]any) error {
	return requireConfig(cfg, "url")
}

type feedEvent struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    int            `json:"priority"`
	RelatedRef  string         `json:"related_ref"`
	Context     map[string]any `json:"context"`
}

type feedPage struct {
	Events     []json.RawMessage `json:"events"`
	NextCursor string            `json:"next_cursor"`
}

func (f *Feed) Poll(ctx context.Context, c ingest.Connection, cursor string) (ingest.PollResult, error) {
	req := bearer(f.opts.client().R().SetContext(ctx), c.Token)
	if cursor != "" {
		req.SetQueryParam("cursor", cursor)
	}
	var page feedPage
	resp, err := req.SetResult(&page).Get(configString(c.Monitor.Config, "url"))
	if err != nil {
		return ingest.PollResult{}, err
	}
	if resp.IsError() {
		return ingest.PollResult{}, statusError(resp)
	}
	evs, err := decodeFeedEvents(page.Events)
	if err != nil {
		return ingest.PollResult{}, err
	}
	return ingest.PollResult{Events: evs, Cursor: page.NextCursor}, nil
}

func decodeFeedEvents(raw []json.RawMessage) ([]ingest.ProviderEvent, error) {
	out := make([]ingest.ProviderEvent, 0, len(raw))
	for _, r := range raw {
		var e feedEvent
		if err := json.Unmarshal(r, &e); err != nil {
			return nil, fmt.Errorf("decode feed event: %w", err)
		}
		if e.ID == "" {
			return nil, fmt.Errorf("feed event without id")
		}
		out = append(out, ingest.ProviderEvent{
			ID:          e.ID,
			Type:        e.Type,
			Title:       e.Title,
			Description: e.Description,
			Priority:    e.Priority,
			RelatedRef:  e.RelatedRef,
			Payload:     r,
			Context:     e.Context,
		})
	}
	return out, nil
}

// SetupWebhook subscribes at subscribe_url when configured. Without one the
// secret is generated for the operator to install on the sending side.
func (f *Feed) SetupWebhook(ctx context.Context, c ingest.Connection, url string) (ingest.WebhookRegistration, error) {
	secret, err := newSecret()
	if err != nil {
		return ingest.WebhookRegistration{}, err
	}
	subscribe := configString(c.Monitor.Config, "subscribe_url")
	if subscribe == "" {
		return ingest.WebhookRegistration{ID: "manual:" + c.Monitor.ID, Secret: secret}, nil
	}
	var out struct {
		ID string `json:"id"`
	}
	resp, err := bearer(f.opts.client().R().SetContext(ctx), c.Token).
		SetBody(map[string]string{"url": url, "secret": secret}).
		SetResult(&out).
		Post(subscribe)
	if err != nil {
		return ingest.WebhookRegistration{}, err
	}
	if resp.IsError() {
		return ingest.WebhookRegistration{}, statusError(resp)
	}
	if out.ID == "" {
		return ingest.WebhookRegistration{}, fmt.Errorf("subscription response has no id")
	}
	return ingest.WebhookRegistration{ID: out.ID, Secret: secret}, nil
}

func (f *Feed) HandleWebhook(_ context.Context, mon domain.Monitor, payload []byte, headers http.Header) (ingest.WebhookResult, error) {
	if mon.WebhookSecret != nil && *mon.WebhookSecret != "" {
		if err := verify(headers.Get("X-Signature"), "sha256=", *mon.WebhookSecret, string(payload)); err != nil {
			return ingest.WebhookResult{}, err
		}
	}
	trimmed := bytes.TrimSpace(payload)
	var page feedPage
	if err := json.Unmarshal(trimmed, &page); err != nil {
		return ingest.WebhookResult{}, fmt.Errorf("decode feed delivery: %w", err)
	}
	raw := page.Events
	if raw == nil {
		raw = []json.RawMessage{trimmed}
	}
	evs, err := decodeFeedEvents(raw)
	if err != nil {
		return ingest.WebhookResult{}, err
	}
	return ingest.WebhookResult{Events: evs}, nil
}

func (f *Feed) TeardownWebhook(ctx context.Context, c ingest.Connection, webhookID string) error {
	subscribe := configString(c.Monitor.Config, "subscribe_url")
	if subscribe == "" {
		return nil
	}
	resp, err := bearer(f.opts.client().R().SetContext(ctx), c.Token).
		SetPathParam("id", webhookID).
		Delete(subscribe + "/{id}")
	if err != nil {
		return err
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return statusError(resp)
	}
	return nil
}
