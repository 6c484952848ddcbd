package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"deskline/internal/bus"
)

const (
	hooksPrefix     = "/hooks/"
	maxHookBody     = 1 << 20
	streamKeepAlive = 15 * time.Second
)

// registerHooks mounts provider webhook intake. Requests are authenticated
// by the provider's signature, not by tenant credentials; the monitor id in
// the path decides the tenant.
func registerHooks(r chi.Router, cfg Config) {
	ing := cfg.Ingestor
	r.Post(hooksPrefix+"{monitor_id}", func(w http.ResponseWriter, req *http.Request) {
		monitorID := chi.URLParam(req, "monitor_id")
		payload, err := io.ReadAll(io.LimitReader(req.Body, maxHookBody+1))
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unreadable body", nil))
			return
		}
		if len(payload) > maxHookBody {
			respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "payload_too_large", "webhook body too large", nil))
			return
		}
		res, err := ing.IngestWebhook(req.Context(), monitorID, payload, req.Header)
		if err != nil {
			cfg.log().Info("webhook failed", zap.String("monitor_id", monitorID), zap.Error(err))
			respondStatusError(w, handleError(err))
			return
		}
		if res.Challenge != "" {
			w.Header().Set("Content-Type", "text/plain")
			io.WriteString(w, res.Challenge)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(pollResponse(res))
	})
}

// registerStream serves the caller's tenant topic as server-sent events.
// The optional types query narrows the stream to a comma-separated list of
// event types.
func registerStream(r chi.Router, cfg Config) {
	if cfg.Hub == nil {
		return
	}
	r.Get(path.Join(cfg.BasePath, "stream"), func(w http.ResponseWriter, req *http.Request) {
		caller, authErr := callerFromContext(req.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}
		var only map[string]bool
		if raw := strings.TrimSpace(req.URL.Query().Get("types")); raw != "" {
			only = map[string]bool{}
			for _, t := range strings.Split(raw, ",") {
				if t = strings.TrimSpace(t); t != "" {
					only[t] = true
				}
			}
		}

		sub := cfg.Hub.Subscribe(bus.TenantTopic(caller.TenantID))
		defer sub.Close()
		log := cfg.log().With(zap.String("tenant_id", caller.TenantID))
		log.Debug("stream opened")
		defer log.Debug("stream closed")

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		if _, err := io.WriteString(w, ": connected\n\n"); err != nil {
			return
		}
		flusher.Flush()

		keepalive := time.NewTicker(streamKeepAlive)
		defer keepalive.Stop()
		for {
			select {
			case <-req.Context().Done():
				return
			case <-keepalive.C:
				if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
					log.Debug("stream peer gone", zap.Error(err))
					return
				}
				flusher.Flush()
			case msg, ok := <-sub.C:
				if !ok {
					return
				}
				if only != nil && !only[msg.Type] {
					continue
				}
				data, err := json.Marshal(msg)
				if err != nil {
					log.Warn("stream encode failed", zap.String("type", msg.Type), zap.Error(err))
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data); err != nil {
					log.Debug("stream peer gone", zap.String("type", msg.Type), zap.Error(err))
					return
				}
				flusher.Flush()
			}
		}
	})
}
