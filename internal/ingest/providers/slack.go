package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"deskline/internal/domain"
	"deskline/internal/ingest"
)

const (
	slackAPI        = "https://slack.com/api"
	slackMaxSkew    = 5 * time.Minute
	slackTitleRunes = 120
)

// Slack watches one channel. Config: channel, optionally api_url and
// signing_secret (the app's Events API signing secret; Slack subscriptions
// are configured in the app, not through the API).
type Slack struct {
	opts Options
}

func NewSlack(opts Options) *Slack {
	return &Slack{opts: opts}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) ValidateConfig(cfg map[string]any) error {
	return requireConfig(cfg, "channel")
}

type slackMessage struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	Channel  string `json:"channel"`
	User     string `json:"user"`
	BotID    string `json:"bot_id"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
}

type slackHistory struct {
	OK       bool              `json:"ok"`
	Error    string            `json:"error"`
	Messages []json.RawMessage `json:"messages"`
}

func (s *Slack) base(cfg map[string]any) string {
	if v := configString(cfg, "api_url"); v != "" {
		return v
	}
	return slackAPI
}

// Poll reads conversations.history newer than the cursor, a message ts.
func (s *Slack) Poll(ctx context.Context, c ingest.Connection, cursor string) (ingest.PollResult, error) {
	channel := configString(c.Monitor.Config, "channel")
	req := bearer(s.opts.client().R().SetContext(ctx), c.Token).
		SetQueryParams(map[string]string{"channel": channel, "limit": "100"})
	if cursor != "" {
		req.SetQueryParam("oldest", cursor)
	}
	var hist slackHistory
	resp, err := req.SetResult(&hist).Get(s.base(c.Monitor.Config) + "/conversations.history")
	if err != nil {
		return ingest.PollResult{}, err
	}
	if resp.IsError() {
		return ingest.PollResult{}, statusError(resp)
	}
	if !hist.OK {
		return ingest.PollResult{}, fmt.Errorf("slack: %s", hist.Error)
	}
	res := ingest.PollResult{Cursor: cursor}
	newest := tsValue(cursor)
	for _, raw := range hist.Messages {
		var m slackMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return ingest.PollResult{}, fmt.Errorf("decode message: %w", err)
		}
		if v := tsValue(m.TS); v > newest {
			newest = v
			res.Cursor = m.TS
		}
		if !humanMessage(m) {
			continue
		}
		m.Channel = channel
		res.Events = append(res.Events, messageEvent(m, raw, channel+":"+m.TS))
	}
	return res, nil
}

func tsValue(ts string) float64 {
	v, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return 0
	}
	return v
}

func humanMessage(m slackMessage) bool {
	return m.Subtype == "" && m.BotID == "" && m.Text != ""
}

func messageEvent(m slackMessage, raw json.RawMessage, id string) ingest.ProviderEvent {
	return ingest.ProviderEvent{
		ID:          id,
		Type:        "message",
		Title:       truncate(m.Text, slackTitleRunes),
		Description: m.Text,
		RelatedRef:  m.User,
		Payload:     raw,
		Context: map[string]any{
			"channel":   m.Channel,
			"user":      m.User,
			"ts":        m.TS,
			"thread_ts": m.ThreadTS,
		},
	}
}

func (s *Slack) SetupWebhook(_ context.Context, c ingest.Connection, _ string) (ingest.WebhookRegistration, error) {
	secret := configString(c.Monitor.Config, "signing_secret")
	if secret == "" {
		return ingest.WebhookRegistration{}, fmt.Errorf("%w: slack needs signing_secret in config", ingest.ErrWebhookUnsupported)
	}
	return ingest.WebhookRegistration{ID: "events-api:" + configString(c.Monitor.Config, "channel"), Secret: secret}, nil
}

func (s *Slack) TeardownWebhook(context.Context, ingest.Connection, string) error {
	return nil
}

type slackEnvelope struct {
	Type      string          `json:"type"`
	Challenge string          `json:"challenge"`
	EventID   string          `json:"event_id"`
	Event     json.RawMessage `json:"event"`
}

// HandleWebhook verifies Slack's v0 request signature and turns channel
// messages from event_callback envelopes into events.
func (s *Slack) HandleWebhook(_ context.Context, mon domain.Monitor, payload []byte, headers http.Header) (ingest.WebhookResult, error) {
	secret := configString(mon.Config, "signing_secret")
	if mon.WebhookSecret != nil && *mon.WebhookSecret != "" {
		secret = *mon.WebhookSecret
	}
	if secret == "" {
		return ingest.WebhookResult{}, fmt.Errorf("%w: monitor has no signing secret", ingest.ErrInvalidSignature)
	}
	stamp := headers.Get("X-Slack-Request-Timestamp")
	sec, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return ingest.WebhookResult{}, fmt.Errorf("%w: bad timestamp", ingest.ErrInvalidSignature)
	}
	if skew := s.opts.now().Sub(time.Unix(sec, 0)); skew > slackMaxSkew || skew < -slackMaxSkew {
		return ingest.WebhookResult{}, fmt.Errorf("%w: timestamp outside window", ingest.ErrInvalidSignature)
	}
	if err := verify(headers.Get("X-Slack-Signature"), "v0=", secret, "v0:", stamp, ":", string(payload)); err != nil {
		return ingest.WebhookResult{}, err
	}

	var env slackEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ingest.WebhookResult{}, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Type {
	case "url_verification":
		if env.Challenge == "" {
			return ingest.WebhookResult{}, errors.New("url_verification without challenge")
		}
		return ingest.WebhookResult{Challenge: env.Challenge}, nil
	case "event_callback":
	default:
		return ingest.WebhookResult{}, nil
	}
	var m slackMessage
	if err := json.Unmarshal(env.Event, &m); err != nil {
		return ingest.WebhookResult{}, fmt.Errorf("decode event: %w", err)
	}
	channel := configString(mon.Config, "channel")
	if m.Type != "message" || m.Channel != channel || !humanMessage(m) {
		return ingest.WebhookResult{}, nil
	}
	// Same id as a poll would produce, so either path dedups the other.
	return ingest.WebhookResult{Events: []ingest.ProviderEvent{messageEvent(m, env.Event, channel+":"+m.TS)}}, nil
}
