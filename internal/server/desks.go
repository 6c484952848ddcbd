package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"deskline/internal/domain"
	"deskline/internal/router"
)

type deskBody struct {
	Body domain.Desk `json:"body"`
}

func deskOptions(caller Principal, in DeskRequest) router.DeskOptions {
	return router.DeskOptions{
		TenantID:  caller.TenantID,
		Name:      in.Name,
		Active:    in.Active,
		Priority:  intOrZero(in.Priority),
		Rules:     in.Rules,
		Schedules: in.Schedules,
		ActorID:   caller.ActorID,
	}
}

func registerDesks(api huma.API, cfg Config) {
	rt := cfg.Router
	huma.Register(api, huma.Operation{
		OperationID:   "create-desk",
		Method:        http.MethodPost,
		Path:          "/desks",
		Summary:       "Create desk",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body DeskRequest `json:"body"`
	}) (*deskBody, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := rt.CreateDesk(ctx, deskOptions(caller, input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &deskBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-desks",
		Method:      http.MethodGet,
		Path:        "/desks",
		Summary:     "List desks in evaluation order",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body deskList `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		desks, err := rt.ListDesks(ctx, caller.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := deskList{Items: []domain.Desk{}}
		resp.Items = append(resp.Items, desks...)
		return &struct {
			Body deskList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-desk",
		Method:      http.MethodGet,
		Path:        "/desks/{id}",
		Summary:     "Get desk",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*deskBody, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := rt.GetDesk(ctx, caller.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &deskBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-desk",
		Method:      http.MethodPut,
		Path:        "/desks/{id}",
		Summary:     "Replace a desk's rules, schedules and ordering",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body DeskRequest `json:"body"`
	}) (*deskBody, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := rt.UpdateDesk(ctx, input.ID, deskOptions(caller, input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &deskBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-desk",
		Method:        http.MethodDelete,
		Path:          "/desks/{id}",
		Summary:       "Soft-delete desk",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := rt.DeleteDesk(ctx, caller.TenantID, input.ID, caller.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "desk-coverage",
		Method:      http.MethodGet,
		Path:        "/desks/{id}/coverage",
		Summary:     "Whether a desk is staffed at an instant",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
		At string `query:"at" doc:"RFC 3339 instant, defaults to now"`
	}) (*struct {
		Body CoverageResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		at := cfg.now()
		if input.At != "" {
			parsed, err := time.Parse(time.RFC3339, input.At)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid at", map[string]any{"at": input.At})
			}
			at = parsed
		}
		covered, err := rt.Coverage(ctx, caller.TenantID, input.ID, at)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CoverageResponse `json:"body"`
		}{Body: CoverageResponse{DeskID: input.ID, At: at.UTC().Format(time.RFC3339), Covered: covered}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "route-preview",
		Method:      http.MethodPost,
		Path:        "/route",
		Summary:     "Preview the desk an item would be routed to",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateItemRequest `json:"body"`
	}) (*struct {
		Body RoutePreview `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in := input.Body
		it := domain.WorkItem{
			TenantID:      caller.TenantID,
			Title:         in.Title,
			Description:   stringOrEmpty(in.Description),
			Priority:      intOrZero(in.Priority),
			Status:        domain.StatusQueued,
			AssigneeClass: classOrEmpty(in.AssigneeClass),
			ProjectID:     in.ProjectID,
			RelatedRef:    in.RelatedRef,
			Context:       in.Context,
		}
		if it.AssigneeClass == "" {
			it.AssigneeClass = domain.AssigneeAgent
		}
		res, err := rt.Route(ctx, caller.TenantID, it)
		if err != nil {
			return nil, handleError(err)
		}
		var preview RoutePreview
		if res != nil {
			preview = RoutePreview{DeskID: res.DeskID, DeskName: res.DeskName, Covered: res.Covered, Matched: true}
		}
		return &struct {
			Body RoutePreview `json:"body"`
		}{Body: preview}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "auto-route",
		Method:      http.MethodPost,
		Path:        "/route/auto",
		Summary:     "Route every open item that has no desk",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AutoRouteResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := rt.AutoRouteUnassigned(ctx, caller.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AutoRouteResponse `json:"body"`
		}{Body: AutoRouteResponse{Routed: n}}, nil
	})
}
