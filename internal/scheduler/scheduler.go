// Package scheduler drives the periodic work of a running server: polling
// monitors whose interval has elapsed and routing items that have no desk.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"deskline/internal/domain"
	"deskline/internal/ingest"
)

type Poller interface {
	DueMonitors(ctx context.Context, now time.Time) ([]domain.Monitor, error)
	PollMonitor(ctx context.Context, tenantID, monitorID string) (*ingest.Result, error)
}

type AutoRouter interface {
	AutoRouteUnassigned(ctx context.Context, tenantID string) (int, error)
}

// TenantLister names the tenants that have desks to route to.
type TenantLister interface {
	ListRoutingTenants(ctx context.Context) ([]string, error)
}

type TenantFunc func(ctx context.Context) ([]string, error)

func (f TenantFunc) ListRoutingTenants(ctx context.Context) ([]string, error) { return f(ctx) }

type Scheduler struct {
	Poller     Poller
	Router     AutoRouter
	Tenants    TenantLister
	PollTick   time.Duration
	RouteEvery time.Duration
	Log        *zap.Logger
	Now        func() time.Time

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	lastRoute time.Time
}

func (s *Scheduler) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Start runs the loop in the background until ctx ends or Shutdown is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	tick := s.PollTick
	if tick <= 0 {
		tick = 30 * time.Second
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, tick)
	}()
}

func (s *Scheduler) run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	s.log().Info("scheduler started", zap.Duration("tick", tick), zap.Duration("route_every", s.RouteEvery))
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.log().Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Shutdown stops the loop and waits up to timeout for the current tick.
func (s *Scheduler) Shutdown(timeout time.Duration) {
	if s.cancel == nil {
		return
	}
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.log().Warn("scheduler shutdown timed out", zap.Duration("timeout", timeout))
	}
}

// Tick runs one pass: every due monitor is polled, and unrouted items are
// routed when RouteEvery has elapsed since the last routing pass.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	if s.Poller != nil {
		s.pollDue(ctx, now)
	}
	if s.Router != nil && s.Tenants != nil && s.RouteEvery > 0 && (s.lastRoute.IsZero() || now.Sub(s.lastRoute) >= s.RouteEvery) {
		s.lastRoute = now
		s.routeAll(ctx)
	}
}

func (s *Scheduler) pollDue(ctx context.Context, now time.Time) {
	due, err := s.Poller.DueMonitors(ctx, now)
	if err != nil {
		s.log().Error("list due monitors failed", zap.Error(err))
		return
	}
	for _, m := range due {
		if ctx.Err() != nil {
			return
		}
		res, err := s.Poller.PollMonitor(ctx, m.TenantID, m.ID)
		switch {
		case errors.Is(err, ingest.ErrPollInProgress):
			s.log().Debug("poll skipped, already running", zap.String("monitor_id", m.ID))
		case err != nil:
			s.log().Warn("scheduled poll failed",
				zap.String("tenant_id", m.TenantID), zap.String("monitor_id", m.ID), zap.Error(err))
		default:
			s.log().Debug("scheduled poll done",
				zap.String("tenant_id", m.TenantID), zap.String("monitor_id", m.ID),
				zap.Int("created", len(res.Created)), zap.Int("duplicates", res.Duplicates))
		}
	}
}

func (s *Scheduler) routeAll(ctx context.Context) {
	tenants, err := s.Tenants.ListRoutingTenants(ctx)
	if err != nil {
		s.log().Error("list routing tenants failed", zap.Error(err))
		return
	}
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Router.AutoRouteUnassigned(ctx, tenantID); err != nil {
			s.log().Warn("auto-route failed", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}
}
