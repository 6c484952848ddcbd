package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskline/internal/domain"
	"deskline/internal/ingest"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func monitor(provider string, cfg map[string]any, secret string) domain.Monitor {
	m := domain.Monitor{ID: "mon-1", TenantID: "acme", Provider: provider, Config: cfg}
	if secret != "" {
		m.WebhookSecret = &secret
	}
	return m
}

func TestFeedPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "c1", r.URL.Query().Get("cursor"))
		writeJSON(w, http.StatusOK, map[string]any{
			"events": []map[string]any{
				{"id": "e1", "type": "alert", "title": "Disk full", "priority": 1, "context": map[string]any{"host": "db1"}},
				{"id": "e2", "title": "CPU hot"},
			},
			"next_cursor": "c2",
		})
	}))
	defer srv.Close()

	f := NewFeed(Options{Timeout: time.Second})
	res, err := f.Poll(context.Background(), ingest.Connection{Monitor: monitor("feed", map[string]any{"url": srv.URL}, ""), Token: "tok"}, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c2", res.Cursor)
	require.Len(t, res.Events, 2)
	assert.Equal(t, "e1", res.Events[0].ID)
	assert.Equal(t, 1, res.Events[0].Priority)
	assert.Equal(t, "db1", res.Events[0].Context["host"])
	assert.JSONEq(t, `{"id":"e2","title":"CPU hot"}`, string(res.Events[1].Payload))
}

func TestFeedPollFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewFeed(Options{Timeout: time.Second})
	_, err := f.Poll(context.Background(), ingest.Connection{Monitor: monitor("feed", map[string]any{"url": srv.URL}, "")}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestFeedWebhookSignature(t *testing.T) {
	f := NewFeed(Options{})
	mon := monitor("feed", map[string]any{"url": "http://unused"}, "s3cret")
	body := []byte(`{"events":[{"id":"w1","title":"Pushed"}]}`)

	h := http.Header{}
	h.Set("X-Signature", "sha256="+sign("s3cret", string(body)))
	res, err := f.HandleWebhook(context.Background(), mon, body, h)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "w1", res.Events[0].ID)

	single := []byte(`{"id":"w2","title":"Single"}`)
	h.Set("X-Signature", "sha256="+sign("s3cret", string(single)))
	res, err = f.HandleWebhook(context.Background(), mon, single, h)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "w2", res.Events[0].ID)

	h.Set("X-Signature", "sha256="+sign("wrong", string(body)))
	_, err = f.HandleWebhook(context.Background(), mon, body, h)
	assert.ErrorIs(t, err, ingest.ErrInvalidSignature)
}

func TestFeedValidateConfig(t *testing.T) {
	f := NewFeed(Options{})
	assert.Error(t, f.ValidateConfig(map[string]any{}))
	assert.NoError(t, f.ValidateConfig(map[string]any{"url": "http://x"}))
}

func TestGitHubPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/octo/app/issues", r.URL.Path)
		assert.Equal(t, "2024-01-01T00:00:00Z", r.URL.Query().Get("since"))
		assert.Equal(t, "asc", r.URL.Query().Get("direction"))
		writeJSON(w, http.StatusOK, []map[string]any{
			{"id": 11, "number": 1, "title": "Crash on start", "body": "stack", "updated_at": "2024-01-02T00:00:00Z", "user": map[string]any{"login": "ann"}, "labels": []map[string]any{{"name": "bug"}}},
			{"id": 12, "number": 2, "title": "PR", "updated_at": "2024-01-03T00:00:00Z", "pull_request": map[string]any{"url": "x"}},
		})
	}))
	defer srv.Close()

	g := NewGitHub(Options{})
	mon := monitor("github", map[string]any{"owner": "octo", "repo": "app", "api_url": srv.URL}, "")
	res, err := g.Poll(context.Background(), ingest.Connection{Monitor: mon}, "2024-01-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-03T00:00:00Z", res.Cursor)
	require.Len(t, res.Events, 1)
	ev := res.Events[0]
	assert.Equal(t, "issue:11:2024-01-02T00:00:00Z", ev.ID)
	assert.Equal(t, "#1 Crash on start", ev.Title)
	assert.Equal(t, "ann", ev.RelatedRef)
	assert.Equal(t, "bug", ev.Context["labels"])
	assert.Equal(t, "octo/app", ev.Context["repo"])
}

func TestGitHubWebhookLifecycle(t *testing.T) {
	var deleted string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/repos/octo/app/hooks":
			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			cfg := body["config"].(map[string]any)
			assert.Equal(t, "https://dl.example/hooks/mon-1", cfg["url"])
			assert.NotEmpty(t, cfg["secret"])
			writeJSON(w, http.StatusCreated, map[string]any{"id": 42})
		case r.Method == http.MethodDelete:
			deleted = r.URL.Path
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	g := NewGitHub(Options{})
	conn := ingest.Connection{Monitor: monitor("github", map[string]any{"owner": "octo", "repo": "app", "api_url": srv.URL}, ""), Token: "ghp"}
	reg, err := g.SetupWebhook(context.Background(), conn, "https://dl.example/hooks/mon-1")
	require.NoError(t, err)
	assert.Equal(t, "42", reg.ID)
	assert.Len(t, reg.Secret, 48)

	require.NoError(t, g.TeardownWebhook(context.Background(), conn, reg.ID))
	assert.Equal(t, "/repos/octo/app/hooks/42", deleted)
}

func TestGitHubHandleWebhook(t *testing.T) {
	g := NewGitHub(Options{})
	mon := monitor("github", map[string]any{"owner": "octo", "repo": "app"}, "hooksecret")
	body := []byte(`{"action":"opened","issue":{"id":7,"number":9,"title":"Broken link","updated_at":"2024-02-01T10:00:00Z","user":{"login":"bo"}}}`)
	h := http.Header{}
	h.Set("X-GitHub-Event", "issues")
	h.Set("X-GitHub-Delivery", "d-1")
	h.Set("X-Hub-Signature-256", "sha256="+sign("hooksecret", string(body)))

	res, err := g.HandleWebhook(context.Background(), mon, body, h)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "issue:7:2024-02-01T10:00:00Z", res.Events[0].ID)

	ping := []byte(`{"zen":"hi"}`)
	h.Set("X-GitHub-Event", "ping")
	h.Set("X-Hub-Signature-256", "sha256="+sign("hooksecret", string(ping)))
	res, err = g.HandleWebhook(context.Background(), mon, ping, h)
	require.NoError(t, err)
	assert.Empty(t, res.Events)

	h.Set("X-Hub-Signature-256", "sha256=00")
	_, err = g.HandleWebhook(context.Background(), mon, ping, h)
	assert.ErrorIs(t, err, ingest.ErrInvalidSignature)

	_, err = g.HandleWebhook(context.Background(), monitor("github", nil, ""), ping, h)
	assert.ErrorIs(t, err, ingest.ErrInvalidSignature)
}

func slackHeaders(secret string, at time.Time, body []byte) http.Header {
	ts := strconv.FormatInt(at.Unix(), 10)
	h := http.Header{}
	h.Set("X-Slack-Request-Timestamp", ts)
	h.Set("X-Slack-Signature", "v0="+sign(secret, "v0:", ts, ":", string(body)))
	return h
}

func TestSlackHandleWebhook(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewSlack(Options{Now: func() time.Time { return now }})
	mon := monitor("slack", map[string]any{"channel": "C1", "signing_secret": "sig"}, "")

	verifyBody := []byte(`{"type":"url_verification","challenge":"abc"}`)
	res, err := s.HandleWebhook(context.Background(), mon, verifyBody, slackHeaders("sig", now, verifyBody))
	require.NoError(t, err)
	assert.Equal(t, "abc", res.Challenge)
	assert.Empty(t, res.Events)

	msg := []byte(`{"type":"event_callback","event_id":"Ev1","event":{"type":"message","channel":"C1","user":"U1","text":"printer on fire\nplease help","ts":"1714564800.000100"}}`)
	res, err = s.HandleWebhook(context.Background(), mon, msg, slackHeaders("sig", now, msg))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "C1:1714564800.000100", res.Events[0].ID)
	assert.Equal(t, "printer on fire", res.Events[0].Title)

	other := []byte(`{"type":"event_callback","event":{"type":"message","channel":"C2","user":"U1","text":"hi","ts":"1.0"}}`)
	res, err = s.HandleWebhook(context.Background(), mon, other, slackHeaders("sig", now, other))
	require.NoError(t, err)
	assert.Empty(t, res.Events)

	_, err = s.HandleWebhook(context.Background(), mon, msg, slackHeaders("sig", now.Add(-10*time.Minute), msg))
	assert.ErrorIs(t, err, ingest.ErrInvalidSignature)

	_, err = s.HandleWebhook(context.Background(), mon, msg, slackHeaders("nope", now, msg))
	assert.ErrorIs(t, err, ingest.ErrInvalidSignature)
}

func TestSlackPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations.history", r.URL.Path)
		assert.Equal(t, "C1", r.URL.Query().Get("channel"))
		if r.URL.Query().Get("oldest") == "bad" {
			writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": "invalid_ts_oldest"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "messages": []map[string]any{
			{"type": "message", "user": "U1", "text": "need access", "ts": "1714564900.000200"},
			{"type": "message", "bot_id": "B1", "text": "deploy done", "ts": "1714564950.000300"},
			{"type": "message", "subtype": "channel_join", "text": "joined", "ts": "1714564800.000100"},
		}})
	}))
	defer srv.Close()

	s := NewSlack(Options{})
	conn := ingest.Connection{Monitor: monitor("slack", map[string]any{"channel": "C1", "api_url": srv.URL}, ""), Token: "xoxb"}
	res, err := s.Poll(context.Background(), conn, "")
	require.NoError(t, err)
	assert.Equal(t, "1714564950.000300", res.Cursor)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "C1:1714564900.000200", res.Events[0].ID)

	_, err = s.Poll(context.Background(), conn, "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_ts_oldest")
}

func TestSlackSetupNeedsSigningSecret(t *testing.T) {
	s := NewSlack(Options{})
	_, err := s.SetupWebhook(context.Background(), ingest.Connection{Monitor: monitor("slack", map[string]any{"channel": "C1"}, "")}, "")
	assert.ErrorIs(t, err, ingest.ErrWebhookUnsupported)

	reg, err := s.SetupWebhook(context.Background(), ingest.Connection{Monitor: monitor("slack", map[string]any{"channel": "C1", "signing_secret": "sig"}, "")}, "")
	require.NoError(t, err)
	assert.Equal(t, "sig", reg.Secret)
}

func TestAllRegistersEveryProvider(t *testing.T) {
	assert.Equal(t, []string{"feed", "github", "slack"}, All(Options{}).Names())
}
