// Package providers holds the external systems a monitor can watch.
package providers

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"deskline/internal/ingest"
)

type Options struct {
	Timeout time.Duration
	Retries int
	Log     *zap.Logger
	Now     func() time.Time
}

func (o Options) client() *resty.Client {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return resty.New().
		SetTimeout(timeout).
		SetRetryCount(o.Retries).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		SetHeader("Accept", "application/json")
}

func (o Options) log() *zap.Logger {
	if o.Log == nil {
		return zap.NewNop()
	}
	return o.Log
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// All returns the registry of every built-in provider.
func All(opts Options) ingest.Registry {
	return ingest.NewRegistry(NewFeed(opts), NewGitHub(opts), NewSlack(opts))
}

func configString(cfg map[string]any, key string) string {
	v, ok := cfg[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func requireConfig(cfg map[string]any, keys ...string) error {
	var missing []string
	for _, k := range keys {
		if configString(cfg, k) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing config %s", strings.Join(missing, ", "))
	}
	return nil
}

func sign(secret string, parts ...string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write([]byte(p))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// verify compares a hex signature, with an optional prefix such as "sha256=",
// in constant time.
func verify(got, prefix, secret string, parts ...string) error {
	if got == "" {
		return fmt.Errorf("%w: signature header missing", ingest.ErrInvalidSignature)
	}
	want := prefix + sign(secret, parts...)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return fmt.Errorf("%w: signature mismatch", ingest.ErrInvalidSignature)
	}
	return nil
}

func newSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func bearer(r *resty.Request, token string) *resty.Request {
	if token != "" {
		r.SetAuthToken(token)
	}
	return r
}

func statusError(resp *resty.Response) error {
	body := strings.TrimSpace(string(resp.Body()))
	if len(body) > 256 {
		body = body[:256]
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode(), body)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if line, _, ok := strings.Cut(s, "\n"); ok {
		s = strings.TrimSpace(line)
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
