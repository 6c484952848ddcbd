package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"deskline/internal/domain"
	"deskline/internal/ingest"
)

type monitorPath struct {
	ID string `path:"id"`
}

type monitorBody struct {
	Body domain.Monitor `json:"body"`
}

func monitorResult(m domain.Monitor, err error) (*monitorBody, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &monitorBody{Body: m}, nil
}

// callbackURL is where a provider should deliver a monitor's webhooks.
func (c Config) callbackURL(monitorID string) string {
	if c.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(c.PublicURL, "/") + "/hooks/" + monitorID
}

func registerMonitors(api huma.API, cfg Config) {
	ing := cfg.Ingestor
	huma.Register(api, huma.Operation{
		OperationID:   "create-monitor",
		Method:        http.MethodPost,
		Path:          "/monitors",
		Summary:       "Create monitor",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body MonitorRequest `json:"body"`
	}) (*monitorBody, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in := input.Body
		return monitorResult(ing.CreateMonitor(ctx, ingest.MonitorOptions{
			TenantID:            caller.TenantID,
			Provider:            in.Provider,
			ConnectionRef:       stringOrEmpty(in.ConnectionRef),
			Config:              in.Config,
			TargetDeskID:        stringOrEmpty(in.TargetDeskID),
			AssigneeClass:       classOrEmpty(in.AssigneeClass),
			DefaultPriority:     intOrZero(in.DefaultPriority),
			PollIntervalSeconds: intOrZero(in.PollIntervalSeconds),
			ActorID:             caller.ActorID,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-monitors",
		Method:      http.MethodGet,
		Path:        "/monitors",
		Summary:     "List monitors",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body monitorList `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		list, err := ing.ListMonitors(ctx, caller.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := monitorList{Items: []domain.Monitor{}}
		resp.Items = append(resp.Items, list...)
		return &struct {
			Body monitorList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-monitor",
		Method:      http.MethodGet,
		Path:        "/monitors/{id}",
		Summary:     "Get monitor",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *monitorPath) (*monitorBody, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return monitorResult(ing.GetMonitor(ctx, caller.TenantID, input.ID))
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-monitor",
		Method:        http.MethodDelete,
		Path:          "/monitors/{id}",
		Summary:       "Soft-delete monitor",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *monitorPath) (*struct{}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := ing.DeleteMonitor(ctx, caller.TenantID, input.ID, caller.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-monitor",
		Method:      http.MethodPost,
		Path:        "/monitors/{id}/pause",
		Summary:     "Pause polling and webhook intake",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *monitorPath) (*monitorBody, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return monitorResult(ing.PauseMonitor(ctx, caller.TenantID, input.ID, caller.ActorID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-monitor",
		Method:      http.MethodPost,
		Path:        "/monitors/{id}/resume",
		Summary:     "Resume a paused monitor",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *monitorPath) (*monitorBody, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return monitorResult(ing.ResumeMonitor(ctx, caller.TenantID, input.ID, caller.ActorID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "poll-monitor",
		Method:      http.MethodPost,
		Path:        "/monitors/{id}/poll",
		Summary:     "Poll a monitor now",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *monitorPath) (*struct {
		Body PollResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := ing.PollMonitor(ctx, caller.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PollResponse `json:"body"`
		}{Body: pollResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-monitor-events",
		Method:      http.MethodGet,
		Path:        "/monitors/{id}/events",
		Summary:     "List events received by a monitor, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body monitorEventList `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		list, err := ing.ListMonitorEvents(ctx, caller.TenantID, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		resp := monitorEventList{Items: []domain.MonitorEvent{}}
		resp.Items = append(resp.Items, list...)
		return &struct {
			Body monitorEventList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "setup-webhook",
		Method:      http.MethodPost,
		Path:        "/monitors/{id}/webhook",
		Summary:     "Register a provider webhook for the monitor",
		Description: "callback_url defaults to the server's public URL followed by /hooks/{id}.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body WebhookSetupRequest `json:"body" required:"false"`
	}) (*monitorBody, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		url := stringOrEmpty(input.Body.CallbackURL)
		if url == "" {
			url = cfg.callbackURL(input.ID)
		}
		if url == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "callback_url is required when server.public_url is not set", nil)
		}
		return monitorResult(ing.SetupWebhook(ctx, caller.TenantID, input.ID, url))
	})

	huma.Register(api, huma.Operation{
		OperationID: "teardown-webhook",
		Method:      http.MethodDelete,
		Path:        "/monitors/{id}/webhook",
		Summary:     "Remove the monitor's provider webhook",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *monitorPath) (*monitorBody, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return monitorResult(ing.TeardownWebhook(ctx, caller.TenantID, input.ID))
	})
}

func pollResponse(res *ingest.Result) PollResponse {
	out := PollResponse{Created: []string{}}
	if res == nil {
		return out
	}
	out.MonitorID = res.MonitorID
	out.Duplicates = res.Duplicates
	out.Cursor = res.Cursor
	out.Created = append(out.Created, res.Created...)
	return out
}
