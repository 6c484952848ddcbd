package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"deskline/internal/bus"
	"deskline/internal/config"
	"deskline/internal/domain"
	"deskline/internal/events"
	"deskline/internal/repo"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Bus       bus.Publisher
	Config    *config.Config
	Directory Directory
	Log       *zap.Logger
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Bus:    bus.Nop{},
		Config: cfg,
		Log:    zap.NewNop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return domain.FormatTime(e.now())
}

func (e Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// audit returns an event writer sharing the engine clock.
func (e Engine) audit() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// Notice is a broadcast to send once its transaction has committed.
type Notice struct {
	TenantID string
	Type     string
	EntityID string
	Payload  any
}

// Publish broadcasts committed changes. Failures are logged, never returned.
func (e Engine) Publish(ctx context.Context, notices ...Notice) {
	if e.Bus == nil {
		return
	}
	for _, n := range notices {
		msg, err := bus.NewMessage(n.TenantID, n.Type, n.EntityID, n.Payload, e.now())
		if err == nil {
			err = e.Bus.Publish(ctx, msg)
		}
		if err != nil {
			e.log().Warn("publish failed",
				zap.String("tenant_id", n.TenantID), zap.String("type", n.Type),
				zap.String("entity_id", n.EntityID), zap.Error(err))
		}
	}
}

// mutate loads an item inside a transaction, applies fn and saves it with a
// version compare-and-set. A lost compare-and-set is ErrConflictingClaim.
func (e Engine) mutate(ctx context.Context, tenantID, itemID, actorID, evtType string, fn func(it *domain.WorkItem) error) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	it, err := e.mutateTx(ctx, tx, tenantID, itemID, actorID, evtType, fn)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	e.Publish(ctx, itemNotice(evtType, it))
	return it, nil
}

func (e Engine) mutateTx(ctx context.Context, tx *sql.Tx, tenantID, itemID, actorID, evtType string, fn func(it *domain.WorkItem) error) (domain.WorkItem, error) {
	it, err := e.Repo.GetItem(ctx, tx, tenantID, itemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	from := it.Status
	expected := it.Version
	if err := fn(&it); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Repo.UpdateItem(ctx, tx, it, expected); err != nil {
		if errors.Is(err, repo.ErrStale) {
			return domain.WorkItem{}, fmt.Errorf("%w: item %s changed concurrently", ErrConflictingClaim, itemID)
		}
		return domain.WorkItem{}, err
	}
	it.Version = expected + 1
	if err := e.audit().Append(ctx, tx, evtType, tenantID, "item", it.ID, actorID,
		events.EventPayload{"from": from, "to": it.Status, "version": it.Version}); err != nil {
		return domain.WorkItem{}, err
	}
	return it, nil
}

func itemNotice(evtType string, it domain.WorkItem) Notice {
	return Notice{TenantID: it.TenantID, Type: evtType, EntityID: it.ID, Payload: it}
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
