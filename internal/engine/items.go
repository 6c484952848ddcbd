package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"deskline/internal/domain"
	"deskline/internal/events"
	"deskline/internal/repo"
)

// DefaultPriority applies when a new item gives none. Lower is more urgent.
const DefaultPriority = 3

// ItemCreateOptions are parameters for creating a work item.
type ItemCreateOptions struct {
	ID            string
	TenantID      string
	Title         string
	Description   string
	Priority      int
	AssigneeClass domain.AssigneeClass
	ProjectID     string
	DeskID        string
	RelatedRef    string
	Context       map[string]any
	ActorID       string
}

func (e Engine) CreateItem(ctx context.Context, opts ItemCreateOptions) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	it, err := e.CreateItemTx(ctx, tx, opts)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	e.Publish(ctx, itemNotice(events.ItemCreated, it))
	return it, nil
}

// CreateItemTx inserts a queued item inside the caller's transaction. The
// caller publishes the ItemCreated notice after committing.
func (e Engine) CreateItemTx(ctx context.Context, tx *sql.Tx, opts ItemCreateOptions) (domain.WorkItem, error) {
	if opts.TenantID == "" {
		return domain.WorkItem{}, invalidInput("tenant is required")
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.WorkItem{}, invalidInput("title is required")
	}
	if opts.Priority < 0 {
		return domain.WorkItem{}, invalidInput("priority must not be negative")
	}
	if opts.Priority == 0 {
		opts.Priority = DefaultPriority
	}
	if opts.AssigneeClass == "" {
		opts.AssigneeClass = domain.AssigneeAgent
	}
	if !opts.AssigneeClass.Valid() {
		return domain.WorkItem{}, invalidInput("unknown assignee class %q", opts.AssigneeClass)
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	now := e.nowString()
	it := domain.WorkItem{
		ID:            opts.ID,
		TenantID:      opts.TenantID,
		Title:         strings.TrimSpace(opts.Title),
		Description:   opts.Description,
		Priority:      opts.Priority,
		Status:        domain.StatusQueued,
		AssigneeClass: opts.AssigneeClass,
		ProjectID:     optionalString(opts.ProjectID),
		DeskID:        optionalString(opts.DeskID),
		RelatedRef:    optionalString(opts.RelatedRef),
		Context:       opts.Context,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.Repo.InsertItem(ctx, tx, it); err != nil {
		return domain.WorkItem{}, err
	}
	payload := events.EventPayload{"title": it.Title, "priority": it.Priority, "assignee_class": it.AssigneeClass}
	if it.DeskID != nil {
		payload["desk_id"] = *it.DeskID
	}
	if err := e.audit().Append(ctx, tx, events.ItemCreated, it.TenantID, "item", it.ID, opts.ActorID, payload); err != nil {
		return domain.WorkItem{}, err
	}
	return it, nil
}

func (e Engine) GetItem(ctx context.Context, tenantID, id string) (domain.WorkItem, error) {
	return e.Repo.GetItem(ctx, nil, tenantID, id)
}

func (e Engine) ListItems(ctx context.Context, f repo.ItemFilters) ([]domain.WorkItem, error) {
	return e.Repo.ListItems(ctx, nil, f)
}

// ItemUpdateOptions edits descriptive fields; nil leaves a field unchanged.
// Status never changes here.
type ItemUpdateOptions struct {
	Title       *string
	Description *string
	Priority    *int
	ProjectID   *string
	RelatedRef  *string
	Context     map[string]any
	ActorID     string
}

func (e Engine) UpdateItem(ctx context.Context, tenantID, id string, opts ItemUpdateOptions) (domain.WorkItem, error) {
	return e.mutate(ctx, tenantID, id, opts.ActorID, "item.updated", func(it *domain.WorkItem) error {
		if IsTerminal(it.Status) {
			return &TransitionError{Op: "update", From: it.Status, To: it.Status}
		}
		if opts.Title != nil {
			if strings.TrimSpace(*opts.Title) == "" {
				return invalidInput("title is required")
			}
			it.Title = strings.TrimSpace(*opts.Title)
		}
		if opts.Description != nil {
			it.Description = *opts.Description
		}
		if opts.Priority != nil {
			if *opts.Priority <= 0 {
				return invalidInput("priority must be positive")
			}
			it.Priority = *opts.Priority
		}
		if opts.ProjectID != nil {
			it.ProjectID = optionalString(*opts.ProjectID)
		}
		if opts.RelatedRef != nil {
			it.RelatedRef = optionalString(*opts.RelatedRef)
		}
		if opts.Context != nil {
			if it.Context == nil {
				it.Context = map[string]any{}
			}
			for k, v := range opts.Context {
				it.Context[k] = v
			}
		}
		it.UpdatedAt = e.nowString()
		return nil
	})
}

// StartItem takes a specific queued item for a worker, bypassing ClaimNext.
func (e Engine) StartItem(ctx context.Context, tenantID, id, workerID string) (domain.WorkItem, error) {
	if workerID == "" {
		return domain.WorkItem{}, invalidInput("worker is required")
	}
	return e.mutate(ctx, tenantID, id, workerID, events.ItemStarted, func(it *domain.WorkItem) error {
		return Start(it, workerID, e.nowString())
	})
}

func (e Engine) CompleteItem(ctx context.Context, tenantID, id string, output map[string]any, actorID string) (domain.WorkItem, error) {
	return e.mutate(ctx, tenantID, id, actorID, events.ItemCompleted, func(it *domain.WorkItem) error {
		return Complete(it, output, e.nowString())
	})
}

func (e Engine) FailItem(ctx context.Context, tenantID, id, reason string, retry bool, actorID string) (domain.WorkItem, error) {
	evt := events.ItemFailed
	if retry {
		evt = events.ItemRequeued
	}
	return e.mutate(ctx, tenantID, id, actorID, evt, func(it *domain.WorkItem) error {
		return Fail(it, reason, retry, e.nowString())
	})
}

func (e Engine) CancelItem(ctx context.Context, tenantID, id, actorID string) (domain.WorkItem, error) {
	return e.mutate(ctx, tenantID, id, actorID, events.ItemCancelled, func(it *domain.WorkItem) error {
		return Cancel(it, e.nowString())
	})
}

// UnblockItem requeues a blocked item without resolving its question.
func (e Engine) UnblockItem(ctx context.Context, tenantID, id, actorID string) (domain.WorkItem, error) {
	return e.mutate(ctx, tenantID, id, actorID, events.ItemUnblocked, func(it *domain.WorkItem) error {
		return Unblock(it, e.nowString())
	})
}

// AssignDesk sets the item's desk for manual routing. Terminal items are
// rejected.
func (e Engine) AssignDesk(ctx context.Context, tenantID, id, deskID, actorID string) (domain.WorkItem, error) {
	if _, err := e.Repo.GetDesk(ctx, nil, tenantID, deskID); err != nil {
		return domain.WorkItem{}, err
	}
	return e.mutate(ctx, tenantID, id, actorID, events.ItemRouted, func(it *domain.WorkItem) error {
		if IsTerminal(it.Status) {
			return &TransitionError{Op: "assign_desk", From: it.Status, To: it.Status}
		}
		it.DeskID = &deskID
		it.UpdatedAt = e.nowString()
		return nil
	})
}

// DeleteItem soft-deletes a terminal item.
func (e Engine) DeleteItem(ctx context.Context, tenantID, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	it, err := e.Repo.GetItem(ctx, tx, tenantID, id)
	if err != nil {
		return err
	}
	if !IsTerminal(it.Status) {
		return &TransitionError{Op: "delete", From: it.Status, To: it.Status}
	}
	now := e.nowString()
	if err := e.Repo.SoftDeleteItem(ctx, tx, tenantID, id, now); err != nil {
		return err
	}
	if err := e.audit().Append(ctx, tx, events.ItemDeleted, tenantID, "item", id, actorID, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Publish(ctx, Notice{TenantID: tenantID, Type: events.ItemDeleted, EntityID: id})
	return nil
}

// Stats reports queue depth by status (every status present) and open items by desk.
func (e Engine) Stats(ctx context.Context, tenantID string) (domain.Stats, error) {
	byStatus, err := e.Repo.CountItemsByStatus(ctx, nil, tenantID)
	if err != nil {
		return domain.Stats{}, err
	}
	byDesk, err := e.Repo.CountOpenItemsByDesk(ctx, nil, tenantID)
	if err != nil {
		return domain.Stats{}, err
	}
	st := domain.Stats{TenantID: tenantID, ByStatus: map[domain.Status]int{}, ByDesk: byDesk}
	for _, s := range domain.Statuses {
		st.ByStatus[s] = byStatus[string(s)]
		st.Total += byStatus[string(s)]
	}
	return st, nil
}

// ListEvents returns the audit trail for a tenant.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.ListEvents(ctx, nil, f)
}
