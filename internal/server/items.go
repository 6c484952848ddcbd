package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"deskline/internal/domain"
	"deskline/internal/engine"
	"deskline/internal/repo"
)

type itemPath struct {
	ID string `path:"id"`
}

type itemBody struct {
	Body domain.WorkItem `json:"body"`
}

func itemResult(it domain.WorkItem, err error) (*itemBody, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &itemBody{Body: it}, nil
}

func registerItems(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateItemRequest `json:"body"`
	}) (*itemBody, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in := input.Body
		return itemResult(e.CreateItem(ctx, engine.ItemCreateOptions{
			ID:            stringOrEmpty(in.ID),
			TenantID:      caller.TenantID,
			Title:         in.Title,
			Description:   stringOrEmpty(in.Description),
			Priority:      intOrZero(in.Priority),
			AssigneeClass: classOrEmpty(in.AssigneeClass),
			ProjectID:     stringOrEmpty(in.ProjectID),
			DeskID:        stringOrEmpty(in.DeskID),
			RelatedRef:    stringOrEmpty(in.RelatedRef),
			Context:       in.Context,
			ActorID:       caller.ActorID,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status        string `query:"status" enum:"queued,working,blocked,completed,failed,cancelled"`
		DeskID        string `query:"desk_id"`
		AssigneeClass string `query:"assignee_class" enum:"agent,human"`
		ProjectID     string `query:"project_id"`
		WorkerID      string `query:"worker_id"`
		Limit         int    `query:"limit" default:"50"`
		Cursor        string `query:"cursor"`
	}) (*struct {
		Body paginatedItems `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListItems(ctx, repo.ItemFilters{
			TenantID:        caller.TenantID,
			Status:          input.Status,
			DeskID:          input.DeskID,
			AssigneeClass:   input.AssigneeClass,
			ProjectID:       input.ProjectID,
			WorkerID:        input.WorkerID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedItems{Items: []domain.WorkItem{}}
		if len(items) > limit {
			items = items[:limit]
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedItems `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*itemBody, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return itemResult(e.GetItem(ctx, caller.TenantID, input.ID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-item",
		Method:      http.MethodPatch,
		Path:        "/items/{id}",
		Summary:     "Edit descriptive fields of an open item",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateItemRequest `json:"body"`
	}) (*itemBody, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in := input.Body
		return itemResult(e.UpdateItem(ctx, caller.TenantID, input.ID, engine.ItemUpdateOptions{
			Title:       in.Title,
			Description: in.Description,
			Priority:    in.Priority,
			ProjectID:   in.ProjectID,
			RelatedRef:  in.RelatedRef,
			Context:     in.Context,
			ActorID:     caller.ActorID,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-item",
		Method:        http.MethodDelete,
		Path:          "/items/{id}",
		Summary:       "Soft-delete a finished item",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *itemPath) (*struct{}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteItem(ctx, caller.TenantID, input.ID, caller.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	registerLifecycle(api, cfg)
}

func registerLifecycle(api huma.API, cfg Config) {
	e := cfg.Engine
	conflictErrors := []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict}

	huma.Register(api, huma.Operation{
		OperationID: "start-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/start",
		Summary:     "Start a queued item",
		Errors:      conflictErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body StartItemRequest `json:"body"`
	}) (*itemBody, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return itemResult(e.StartItem(ctx, caller.TenantID, input.ID, input.Body.WorkerID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/complete",
		Summary:     "Complete a working item",
		Errors:      conflictErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body CompleteItemRequest `json:"body" required:"false"`
	}) (*itemBody, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return itemResult(e.CompleteItem(ctx, caller.TenantID, input.ID, input.Body.Output, caller.ActorID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/fail",
		Summary:     "Fail a working item, optionally requeueing it",
		Errors:      conflictErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body FailItemRequest `json:"body"`
	}) (*itemBody, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return itemResult(e.FailItem(ctx, caller.TenantID, input.ID, input.Body.Reason, input.Body.Retry, caller.ActorID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/cancel",
		Summary:     "Cancel an open item",
		Errors:      conflictErrors,
	}, func(ctx context.Context, input *itemPath) (*itemBody, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return itemResult(e.CancelItem(ctx, caller.TenantID, input.ID, caller.ActorID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "unblock-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/unblock",
		Summary:     "Return a blocked item to working",
		Errors:      conflictErrors,
	}, func(ctx context.Context, input *itemPath) (*itemBody, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return itemResult(e.UnblockItem(ctx, caller.TenantID, input.ID, caller.ActorID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-desk",
		Method:      http.MethodPost,
		Path:        "/items/{id}/desk",
		Summary:     "Assign an item to a desk",
		Errors:      conflictErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body AssignDeskRequest `json:"body"`
	}) (*itemBody, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return itemResult(e.AssignDesk(ctx, caller.TenantID, input.ID, input.Body.DeskID, caller.ActorID))
	})

	huma.Register(api, huma.Operation{
		OperationID:   "block-item",
		Method:        http.MethodPost,
		Path:          "/items/{id}/block",
		Summary:       "Block a working item on a question",
		Description:   "Creates a question, or links an unanswered one named by question_id, and parks the item until it is answered.",
		DefaultStatus: http.StatusCreated,
		Errors:        conflictErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body BlockItemRequest `json:"body"`
	}) (*struct {
		Body engine.BlockResult `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in := input.Body
		res, err := e.Block(ctx, caller.TenantID, input.ID, engine.BlockRequest{
			Question:       stringOrEmpty(in.Question),
			Why:            stringOrEmpty(in.Why),
			WhatWillBeDone: stringOrEmpty(in.WhatWillBeDone),
			QuestionID:     stringOrEmpty(in.QuestionID),
			Priority:       intOrZero(in.Priority),
			ActorID:        caller.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.BlockResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerClaim(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "claim-next",
		Method:      http.MethodPost,
		Path:        "/claim",
		Summary:     "Claim the most urgent queued item",
		Description: "Returns a null item when nothing is eligible. With with_context the response also carries the project, people, recent history and matching playbooks.",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ClaimRequest `json:"body"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		class := classOrEmpty(input.Body.AssigneeClass)
		var resp ClaimResponse
		if input.Body.WithContext {
			wc, err := e.GetNextWithContext(ctx, caller.TenantID, input.Body.WorkerID, class)
			if err != nil {
				return nil, handleError(err)
			}
			if wc != nil {
				resp = ClaimResponse{Item: &wc.Item, Project: wc.Project, People: wc.People, History: wc.History, Playbooks: wc.Playbooks}
			}
		} else {
			it, err := e.ClaimNext(ctx, caller.TenantID, input.Body.WorkerID, class)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Item = it
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: resp}, nil
	})
}
