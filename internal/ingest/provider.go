// Package ingest turns events from external systems into work items. Each
// monitor names a provider; events are deduplicated per monitor before
// anything is created.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"deskline/internal/domain"
)

var (
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrInvalidMonitor     = errors.New("invalid monitor")
	ErrPollInProgress     = errors.New("poll already in progress")
	ErrMonitorPaused      = errors.New("monitor is paused")
	ErrInvalidSignature   = errors.New("invalid webhook signature")
	ErrWebhookUnsupported = errors.New("provider does not support webhooks")
	ErrNoWebhook          = errors.New("monitor has no webhook")
)

// AdapterError wraps a failure talking to an external provider.
type AdapterError struct {
	Provider string
	Op       string
	Err      error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// ProviderEvent is one occurrence reported by a provider. ID must be stable
// across polls and webhook deliveries of the same occurrence.
type ProviderEvent struct {
	ID          string
	Type        string
	Title       string
	Description string
	Priority    int
	RelatedRef  string
	Payload     json.RawMessage
	Context     map[string]any
}

type PollResult struct {
	Events []ProviderEvent
	// Cursor is the position to resume from; empty keeps the previous one.
	Cursor string
}

type WebhookResult struct {
	Events []ProviderEvent
	// Challenge is echoed back verbatim when the provider is verifying the
	// endpoint instead of delivering events.
	Challenge string
}

type WebhookRegistration struct {
	ID     string
	Secret string
}

// Connection is a monitor plus the credential resolved from its
// connection_ref.
type Connection struct {
	Monitor domain.Monitor
	Token   string
}

type Provider interface {
	Name() string
	ValidateConfig(cfg map[string]any) error
	Poll(ctx context.Context, c Connection, cursor string) (PollResult, error)
	SetupWebhook(ctx context.Context, c Connection, url string) (WebhookRegistration, error)
	HandleWebhook(ctx context.Context, mon domain.Monitor, payload []byte, headers http.Header) (WebhookResult, error)
	TeardownWebhook(ctx context.Context, c Connection, webhookID string) error
}

// Registry is the closed set of providers a deployment accepts.
type Registry map[string]Provider

func NewRegistry(providers ...Provider) Registry {
	r := Registry{}
	for _, p := range providers {
		r[p.Name()] = p
	}
	return r
}

func (r Registry) Get(name string) (Provider, error) {
	p, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
