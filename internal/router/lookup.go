package router

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
)

// StaticLookup serves related records from memory: tenant -> ref -> fields.
type StaticLookup map[string]map[string]map[string]string

func (s StaticLookup) Lookup(_ context.Context, tenantID, ref string) (map[string]string, error) {
	rec, ok := s[tenantID][ref]
	if !ok {
		return nil, fmt.Errorf("related record %s not found", ref)
	}
	return rec, nil
}

// HTTPLookup fetches GET {BaseURL}/{ref} with the tenant in X-Tenant-Id and
// expects a flat JSON object.
type HTTPLookup struct {
	client  *resty.Client
	baseURL string
}

func NewHTTPLookup(baseURL string, timeout time.Duration, retries int) *HTTPLookup {
	c := resty.New().
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(200*time.Millisecond).
		SetHeader("Accept", "application/json")
	return &HTTPLookup{client: c, baseURL: baseURL}
}

func (h *HTTPLookup) Lookup(ctx context.Context, tenantID, ref string) (map[string]string, error) {
	var out map[string]any
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("X-Tenant-Id", tenantID).
		SetResult(&out).
		Get(h.baseURL + "/" + url.PathEscape(ref))
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", ref, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("lookup %s: status %d", ref, resp.StatusCode())
	}
	rec := make(map[string]string, len(out))
	for k, v := range out {
		if v != nil {
			rec[k] = stringify(v)
		}
	}
	return rec, nil
}
