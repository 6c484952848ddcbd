package router

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"deskline/internal/domain"
	"deskline/internal/events"
)

var ErrInvalidDesk = errors.New("invalid desk")

type DeskOptions struct {
	TenantID  string
	Name      string
	Active    *bool
	Priority  int
	Rules     []domain.RoutingRule
	Schedules []domain.CoverageSchedule
	ActorID   string
}

func validateDesk(name string, rules []domain.RoutingRule, schedules []domain.CoverageSchedule) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDesk)
	}
	for _, rule := range rules {
		if err := ValidateRule(rule); err != nil {
			return err
		}
	}
	for _, s := range schedules {
		if err := ValidateSchedule(s); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDesk, err)
		}
	}
	return nil
}

func (r *Router) CreateDesk(ctx context.Context, opts DeskOptions) (domain.Desk, error) {
	if opts.TenantID == "" {
		return domain.Desk{}, fmt.Errorf("%w: tenant is required", ErrInvalidDesk)
	}
	if err := validateDesk(opts.Name, opts.Rules, opts.Schedules); err != nil {
		return domain.Desk{}, err
	}
	active := true
	if opts.Active != nil {
		active = *opts.Active
	}
	d := domain.Desk{
		ID:        uuid.NewString(),
		TenantID:  opts.TenantID,
		Name:      strings.TrimSpace(opts.Name),
		Active:    active,
		Priority:  opts.Priority,
		Rules:     opts.Rules,
		Schedules: opts.Schedules,
		CreatedAt: domain.FormatTime(r.now()),
	}
	err := r.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := r.Repo.InsertDesk(ctx, tx, d); err != nil {
			return err
		}
		return r.audit().Append(ctx, tx, events.DeskCreated, d.TenantID, "desk", d.ID, opts.ActorID, events.EventPayload{"name": d.Name})
	})
	if err != nil {
		return domain.Desk{}, err
	}
	r.publish(ctx, d.TenantID, events.DeskCreated, d.ID, d)
	return d, nil
}

// UpdateDesk replaces a desk's definition with opts.
func (r *Router) UpdateDesk(ctx context.Context, id string, opts DeskOptions) (domain.Desk, error) {
	if err := validateDesk(opts.Name, opts.Rules, opts.Schedules); err != nil {
		return domain.Desk{}, err
	}
	var d domain.Desk
	err := r.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		d, err = r.Repo.GetDesk(ctx, tx, opts.TenantID, id)
		if err != nil {
			return err
		}
		d.Name = strings.TrimSpace(opts.Name)
		if opts.Active != nil {
			d.Active = *opts.Active
		}
		d.Priority = opts.Priority
		d.Rules = opts.Rules
		d.Schedules = opts.Schedules
		if err := r.Repo.UpdateDesk(ctx, tx, d); err != nil {
			return err
		}
		return r.audit().Append(ctx, tx, events.DeskUpdated, d.TenantID, "desk", d.ID, opts.ActorID, events.EventPayload{"active": d.Active})
	})
	if err != nil {
		return domain.Desk{}, err
	}
	r.publish(ctx, d.TenantID, events.DeskUpdated, d.ID, d)
	return d, nil
}

func (r *Router) GetDesk(ctx context.Context, tenantID, id string) (domain.Desk, error) {
	return r.Repo.GetDesk(ctx, nil, tenantID, id)
}

func (r *Router) ListDesks(ctx context.Context, tenantID string) ([]domain.Desk, error) {
	return r.Repo.ListDesks(ctx, nil, tenantID, false)
}

func (r *Router) DeleteDesk(ctx context.Context, tenantID, id, actorID string) error {
	err := r.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := r.Repo.SoftDeleteDesk(ctx, tx, tenantID, id, domain.FormatTime(r.now())); err != nil {
			return err
		}
		return r.audit().Append(ctx, tx, events.DeskDeleted, tenantID, "desk", id, actorID, nil)
	})
	if err != nil {
		return err
	}
	r.publish(ctx, tenantID, events.DeskDeleted, id, nil)
	return nil
}

// Coverage reports whether a desk is staffed at the given instant.
func (r *Router) Coverage(ctx context.Context, tenantID, id string, at time.Time) (bool, error) {
	d, err := r.Repo.GetDesk(ctx, nil, tenantID, id)
	if err != nil {
		return false, err
	}
	return IsCovered(d, at), nil
}

func (r *Router) audit() events.Writer {
	w := r.Events
	if w.Now == nil {
		w.Now = r.now
	}
	return w
}
