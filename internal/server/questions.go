package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"deskline/internal/domain"
	"deskline/internal/engine"
	"deskline/internal/repo"
)

type questionBody struct {
	Body domain.Question `json:"body"`
}

func registerQuestions(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "create-question",
		Method:        http.MethodPost,
		Path:          "/questions",
		Summary:       "Ask a question linked to items without blocking them",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateQuestionRequest `json:"body"`
	}) (*questionBody, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in := input.Body
		qn, err := e.CreateQuestion(ctx, engine.QuestionCreateOptions{
			TenantID: caller.TenantID,
			Text:     in.Text,
			Context:  stringOrEmpty(in.Context),
			Plan:     stringOrEmpty(in.Plan),
			Priority: intOrZero(in.Priority),
			ItemIDs:  in.ItemIDs,
			ActorID:  caller.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &questionBody{Body: qn}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-questions",
		Method:      http.MethodGet,
		Path:        "/questions",
		Summary:     "List questions, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"unanswered,answered,dismissed"`
		ItemID string `query:"item_id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedQuestions `json:"body"`
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
		list, err := e.ListQuestions(ctx, repo.QuestionFilters{
			TenantID:        caller.TenantID,
			Status:          input.Status,
			ItemID:          input.ItemID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedQuestions{Items: []domain.Question{}}
		if len(list) > limit {
			list = list[:limit]
			last := list[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = append(resp.Items, list...)
		return &struct {
			Body paginatedQuestions `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-question",
		Method:      http.MethodGet,
		Path:        "/questions/{id}",
		Summary:     "Get question",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*questionBody, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		qn, err := e.GetQuestion(ctx, caller.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &questionBody{Body: qn}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "answer-question",
		Method:      http.MethodPost,
		Path:        "/questions/{id}/answer",
		Summary:     "Answer a question and unblock the items waiting on it",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AnswerRequest `json:"body"`
	}) (*struct {
		Body AnswerResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		unblocked, err := e.Answer(ctx, caller.TenantID, input.ID, input.Body.Answer, caller.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		qn, err := e.GetQuestion(ctx, caller.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if unblocked == nil {
			unblocked = []string{}
		}
		return &struct {
			Body AnswerResponse `json:"body"`
		}{Body: AnswerResponse{Question: qn, Unblocked: unblocked}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dismiss-question",
		Method:      http.MethodPost,
		Path:        "/questions/{id}/dismiss",
		Summary:     "Dismiss a question; waiting items stay blocked",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body DismissRequest `json:"body" required:"false"`
	}) (*questionBody, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		qn, err := e.Dismiss(ctx, caller.TenantID, input.ID, stringOrEmpty(input.Body.Reason), caller.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &questionBody{Body: qn}, nil
	})
}
