// Package router assigns work items to desks by conjunctive rules and
// reports whether the chosen desk is staffed right now.
package router

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"deskline/internal/bus"
	"deskline/internal/domain"
	"deskline/internal/events"
	"deskline/internal/repo"
)

// RecordLookup fetches the related record an item points at, flattened to strings.
type RecordLookup interface {
	Lookup(ctx context.Context, tenantID, ref string) (map[string]string, error)
}

type Router struct {
	Repo   repo.Repo
	Lookup RecordLookup
	Events events.Writer
	Bus    bus.Publisher
	Log    *zap.Logger
	Now    func() time.Time

	patterns *patterns
}

func New(r repo.Repo, lookup RecordLookup, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{Repo: r, Lookup: lookup, Log: log, Bus: bus.Nop{}, Now: time.Now, patterns: &patterns{}}
}

func (r *Router) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Router) log() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

func (r *Router) rules() *patterns {
	if r.patterns == nil {
		r.patterns = &patterns{}
	}
	return r.patterns
}

// RouteResult names the desk an item belongs to. Covered is informational:
// an uncovered desk still receives the item.
type RouteResult struct {
	DeskID   string `json:"desk_id"`
	DeskName string `json:"desk_name"`
	Covered  bool   `json:"covered"`
}

// Match picks the first active desk, in the given order, whose rules all
// match. It reads nothing but its arguments and returns nil when no desk fits.
// A desk without rules matches every item.
func (r *Router) Match(desks []domain.Desk, it domain.WorkItem, related map[string]string, now time.Time) *RouteResult {
	f := Fields{Item: it, Related: related}
	for _, d := range desks {
		if !d.Active || d.DeletedAt != nil {
			continue
		}
		if r.deskMatches(d, f) {
			return &RouteResult{DeskID: d.ID, DeskName: d.Name, Covered: IsCovered(d, now)}
		}
	}
	return nil
}

func (r *Router) deskMatches(d domain.Desk, f Fields) bool {
	for _, rule := range d.Rules {
		ok, err := r.rules().Evaluate(rule, f)
		if err != nil {
			r.log().Warn("routing rule skipped",
				zap.String("tenant_id", d.TenantID), zap.String("desk_id", d.ID), zap.Error(err))
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// Route evaluates the tenant's active desks against the item. It does not
// persist anything.
func (r *Router) Route(ctx context.Context, tenantID string, it domain.WorkItem) (*RouteResult, error) {
	desks, err := r.Repo.ListDesks(ctx, nil, tenantID, true)
	if err != nil {
		return nil, err
	}
	return r.Match(desks, it, r.related(ctx, tenantID, it), r.now()), nil
}

// ActiveDesks returns the desks Match should see for a tenant.
func (r *Router) ActiveDesks(ctx context.Context, q repo.Querier, tenantID string) ([]domain.Desk, error) {
	return r.Repo.ListDesks(ctx, q, tenantID, true)
}

// related fetches the item's related record. A failed lookup is logged and
// treated as a record with no fields.
func (r *Router) related(ctx context.Context, tenantID string, it domain.WorkItem) map[string]string {
	if r.Lookup == nil || it.RelatedRef == nil || *it.RelatedRef == "" {
		return nil
	}
	rec, err := r.Lookup.Lookup(ctx, tenantID, *it.RelatedRef)
	if err != nil {
		r.log().Warn("related record lookup failed",
			zap.String("tenant_id", tenantID), zap.String("item_id", it.ID), zap.String("related_ref", *it.RelatedRef), zap.Error(err))
		return nil
	}
	return rec
}

// RelatedFields exposes the lookup-with-fallback used by Route.
func (r *Router) RelatedFields(ctx context.Context, tenantID string, it domain.WorkItem) map[string]string {
	return r.related(ctx, tenantID, it)
}

// AutoRouteUnassigned routes every queued or working item without a desk and
// returns how many it assigned. Assignment only touches rows whose desk is
// still empty, so overlapping runs never assign an item twice.
func (r *Router) AutoRouteUnassigned(ctx context.Context, tenantID string) (int, error) {
	items, err := r.Repo.ListUnrouted(ctx, nil, tenantID, 0)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	desks, err := r.Repo.ListDesks(ctx, nil, tenantID, true)
	if err != nil {
		return 0, err
	}
	if len(desks) == 0 {
		return 0, nil
	}
	now := r.now()
	assigned := 0
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return assigned, err
		}
		res := r.Match(desks, it, r.related(ctx, tenantID, it), now)
		if res == nil {
			continue
		}
		ok, err := r.assign(ctx, tenantID, it.ID, *res, now)
		if err != nil {
			return assigned, err
		}
		if ok {
			assigned++
		}
	}
	if assigned > 0 {
		r.log().Info("auto-routed items", zap.String("tenant_id", tenantID), zap.Int("assigned", assigned))
	}
	return assigned, nil
}

func (r *Router) assign(ctx context.Context, tenantID, itemID string, res RouteResult, now time.Time) (bool, error) {
	stamp := domain.FormatTime(now)
	var ok bool
	err := r.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		ok, err = r.Repo.AssignDeskIfUnset(ctx, tx, tenantID, itemID, res.DeskID, stamp)
		if err != nil || !ok {
			return err
		}
		return r.audit().Append(ctx, tx, events.ItemRouted, tenantID, "item", itemID, "router",
			events.EventPayload{"desk_id": res.DeskID, "covered": res.Covered, "auto": true})
	})
	if err != nil || !ok {
		return false, err
	}
	r.publish(ctx, tenantID, events.ItemRouted, itemID, res)
	return true, nil
}

func (r *Router) publish(ctx context.Context, tenantID, typ, entityID string, payload any) {
	if r.Bus == nil {
		return
	}
	msg, err := bus.NewMessage(tenantID, typ, entityID, payload, r.now())
	if err == nil {
		err = r.Bus.Publish(ctx, msg)
	}
	if err != nil {
		r.log().Warn("publish failed", zap.String("tenant_id", tenantID), zap.String("type", typ), zap.Error(err))
	}
}
