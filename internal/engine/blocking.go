package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"deskline/internal/domain"
	"deskline/internal/events"
	"deskline/internal/repo"
)

// BlockRequest asks a question on behalf of a working item. When QuestionID
// names an existing unanswered question the item waits on that one instead.
type BlockRequest struct {
	Question       string
	Why            string
	WhatWillBeDone string
	QuestionID     string
	Priority       int
	ActorID        string
}

type BlockResult struct {
	Item     domain.WorkItem `json:"item"`
	Question domain.Question `json:"question"`
}

// Block parks a working item behind a question, creating or linking the
// question and moving the item in one transaction.
func (e Engine) Block(ctx context.Context, tenantID, itemID string, req BlockRequest) (BlockResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return BlockResult{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItem(ctx, tx, tenantID, itemID)
	if err != nil {
		return BlockResult{}, err
	}
	if err := ensureTransition("block", it.Status, domain.StatusBlocked); err != nil {
		return BlockResult{}, err
	}

	var qn domain.Question
	created := false
	if req.QuestionID != "" {
		qn, err = e.Repo.GetQuestion(ctx, tx, tenantID, req.QuestionID)
		if err != nil {
			return BlockResult{}, err
		}
		if qn.Status != domain.QuestionUnanswered {
			return BlockResult{}, fmt.Errorf("%w: %s is %s", ErrAlreadyAnswered, qn.ID, qn.Status)
		}
	} else {
		qn, err = e.insertQuestion(ctx, tx, QuestionCreateOptions{
			TenantID: tenantID,
			Text:     req.Question,
			Context:  req.Why,
			Plan:     req.WhatWillBeDone,
			Priority: req.Priority,
			ActorID:  req.ActorID,
		})
		if err != nil {
			return BlockResult{}, err
		}
		created = true
	}
	if err := e.Repo.LinkQuestionItems(ctx, tx, qn.ID, []string{it.ID}); err != nil {
		return BlockResult{}, err
	}
	if !contains(qn.ItemIDs, it.ID) {
		qn.ItemIDs = append(qn.ItemIDs, it.ID)
	}

	updated, err := e.mutateTx(ctx, tx, tenantID, it.ID, req.ActorID, events.ItemBlocked, func(w *domain.WorkItem) error {
		return Block(w, qn.ID, e.nowString())
	})
	if err != nil {
		return BlockResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return BlockResult{}, err
	}
	var notices []Notice
	if created {
		notices = append(notices, Notice{TenantID: tenantID, Type: events.QuestionCreated, EntityID: qn.ID, Payload: qn})
	}
	notices = append(notices, itemNotice(events.ItemBlocked, updated))
	e.Publish(ctx, notices...)
	return BlockResult{Item: updated, Question: qn}, nil
}

// QuestionCreateOptions create a question, optionally linked to items that
// are not blocked by it.
type QuestionCreateOptions struct {
	TenantID string
	Text     string
	Context  string
	Plan     string
	Priority int
	ItemIDs  []string
	ActorID  string
}

func (e Engine) CreateQuestion(ctx context.Context, opts QuestionCreateOptions) (domain.Question, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Question{}, err
	}
	defer tx.Rollback()
	for _, id := range opts.ItemIDs {
		if _, err := e.Repo.GetItem(ctx, tx, opts.TenantID, id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Question{}, fmt.Errorf("item %s: %w", id, err)
			}
			return domain.Question{}, err
		}
	}
	qn, err := e.insertQuestion(ctx, tx, opts)
	if err != nil {
		return domain.Question{}, err
	}
	if err := e.Repo.LinkQuestionItems(ctx, tx, qn.ID, opts.ItemIDs); err != nil {
		return domain.Question{}, err
	}
	qn.ItemIDs = opts.ItemIDs
	if err := tx.Commit(); err != nil {
		return domain.Question{}, err
	}
	e.Publish(ctx, Notice{TenantID: qn.TenantID, Type: events.QuestionCreated, EntityID: qn.ID, Payload: qn})
	return qn, nil
}

func (e Engine) insertQuestion(ctx context.Context, tx *sql.Tx, opts QuestionCreateOptions) (domain.Question, error) {
	if opts.TenantID == "" {
		return domain.Question{}, invalidInput("tenant is required")
	}
	if strings.TrimSpace(opts.Text) == "" {
		return domain.Question{}, invalidInput("question text is required")
	}
	if opts.Priority < 0 {
		return domain.Question{}, invalidInput("priority must not be negative")
	}
	if opts.Priority == 0 {
		opts.Priority = DefaultPriority
	}
	qn := domain.Question{
		ID:        uuid.NewString(),
		TenantID:  opts.TenantID,
		Text:      strings.TrimSpace(opts.Text),
		Context:   opts.Context,
		Plan:      opts.Plan,
		Priority:  opts.Priority,
		Status:    domain.QuestionUnanswered,
		CreatedAt: e.nowString(),
	}
	if err := e.Repo.InsertQuestion(ctx, tx, qn); err != nil {
		return domain.Question{}, err
	}
	if err := e.audit().Append(ctx, tx, events.QuestionCreated, qn.TenantID, "question", qn.ID, opts.ActorID,
		events.EventPayload{"priority": qn.Priority}); err != nil {
		return domain.Question{}, err
	}
	return qn, nil
}

// Answer resolves an unanswered question and requeues every item blocked on
// it. The ids of the requeued items are returned.
func (e Engine) Answer(ctx context.Context, tenantID, questionID, answer, answeredBy string) ([]string, error) {
	if strings.TrimSpace(answer) == "" {
		return nil, invalidInput("answer is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := e.nowString()
	qn, err := e.resolve(ctx, tx, tenantID, questionID, func(q *domain.Question) {
		q.Status = domain.QuestionAnswered
		q.Answer = &answer
		q.AnsweredBy = optionalString(answeredBy)
		q.ResolvedAt = &now
	})
	if err != nil {
		return nil, err
	}
	if err := e.audit().Append(ctx, tx, events.QuestionAnswered, tenantID, "question", qn.ID, answeredBy, nil); err != nil {
		return nil, err
	}

	blocked, err := e.Repo.ListBlockedBy(ctx, tx, tenantID, qn.ID)
	if err != nil {
		return nil, err
	}
	unblocked := make([]string, 0, len(blocked))
	notices := []Notice{{TenantID: tenantID, Type: events.QuestionAnswered, EntityID: qn.ID, Payload: qn}}
	for _, b := range blocked {
		it, err := e.mutateTx(ctx, tx, tenantID, b.ID, answeredBy, events.ItemUnblocked, func(w *domain.WorkItem) error {
			return Unblock(w, now)
		})
		if err != nil {
			return nil, err
		}
		unblocked = append(unblocked, it.ID)
		notices = append(notices, itemNotice(events.ItemUnblocked, it))
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.Publish(ctx, notices...)
	return unblocked, nil
}

// Dismiss closes an unanswered question without unblocking anything.
func (e Engine) Dismiss(ctx context.Context, tenantID, questionID, reason, actorID string) (domain.Question, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Question{}, err
	}
	defer tx.Rollback()
	now := e.nowString()
	qn, err := e.resolve(ctx, tx, tenantID, questionID, func(q *domain.Question) {
		q.Status = domain.QuestionDismissed
		q.DismissReason = optionalString(reason)
		q.ResolvedAt = &now
	})
	if err != nil {
		return domain.Question{}, err
	}
	if err := e.audit().Append(ctx, tx, events.QuestionDismiss, tenantID, "question", qn.ID, actorID,
		events.EventPayload{"reason": reason}); err != nil {
		return domain.Question{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Question{}, err
	}
	e.Publish(ctx, Notice{TenantID: tenantID, Type: events.QuestionDismiss, EntityID: qn.ID, Payload: qn})
	return qn, nil
}

func (e Engine) resolve(ctx context.Context, tx *sql.Tx, tenantID, questionID string, apply func(q *domain.Question)) (domain.Question, error) {
	qn, err := e.Repo.GetQuestion(ctx, tx, tenantID, questionID)
	if err != nil {
		return domain.Question{}, err
	}
	if qn.Status != domain.QuestionUnanswered {
		return domain.Question{}, fmt.Errorf("%w: %s is %s", ErrAlreadyAnswered, qn.ID, qn.Status)
	}
	apply(&qn)
	if err := e.Repo.ResolveQuestion(ctx, tx, qn); err != nil {
		if errors.Is(err, repo.ErrStale) {
			return domain.Question{}, fmt.Errorf("%w: %s", ErrAlreadyAnswered, qn.ID)
		}
		return domain.Question{}, err
	}
	return qn, nil
}

func (e Engine) GetQuestion(ctx context.Context, tenantID, id string) (domain.Question, error) {
	return e.Repo.GetQuestion(ctx, nil, tenantID, id)
}

func (e Engine) ListQuestions(ctx context.Context, f repo.QuestionFilters) ([]domain.Question, error) {
	return e.Repo.ListQuestions(ctx, nil, f)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
