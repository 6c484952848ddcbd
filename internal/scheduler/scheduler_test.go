package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"deskline/internal/domain"
	"deskline/internal/ingest"
)

type fakePoller struct {
	mu     sync.Mutex
	due    []domain.Monitor
	polled []string
	fail   map[string]error
}

func (f *fakePoller) DueMonitors(context.Context, time.Time) ([]domain.Monitor, error) {
	return f.due, nil
}

func (f *fakePoller) PollMonitor(_ context.Context, tenantID, id string) (*ingest.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polled = append(f.polled, tenantID+"/"+id)
	if err := f.fail[id]; err != nil {
		return nil, err
	}
	return &ingest.Result{MonitorID: id}, nil
}

func (f *fakePoller) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.polled)
}

type fakeRouter struct {
	mu     sync.Mutex
	routed []string
}

func (f *fakeRouter) AutoRouteUnassigned(_ context.Context, tenantID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routed = append(f.routed, tenantID)
	return 1, nil
}

type tenants []string

func (t tenants) ListRoutingTenants(context.Context) ([]string, error) { return t, nil }

func TestTickPollsEveryDueMonitor(t *testing.T) {
	p := &fakePoller{
		due: []domain.Monitor{{ID: "m1", TenantID: "a"}, {ID: "m2", TenantID: "b"}, {ID: "m3", TenantID: "a"}},
		fail: map[string]error{
			"m1": &ingest.AdapterError{Provider: "feed", Op: "poll", Err: errors.New("down")},
			"m2": ingest.ErrPollInProgress,
		},
	}
	s := &Scheduler{Poller: p}
	s.Tick(context.Background())
	assert.Equal(t, []string{"a/m1", "b/m2", "a/m3"}, p.polled, "one failure does not stop the pass")
}

func TestTickRoutesOnItsOwnInterval(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := &fakeRouter{}
	s := &Scheduler{Router: r, Tenants: tenants{"a", "b"}, RouteEvery: time.Minute, Now: func() time.Time { return now }}

	s.Tick(context.Background())
	assert.Equal(t, []string{"a", "b"}, r.routed)

	now = now.Add(30 * time.Second)
	s.Tick(context.Background())
	assert.Len(t, r.routed, 2)

	now = now.Add(30 * time.Second)
	s.Tick(context.Background())
	assert.Len(t, r.routed, 4)
}

func TestStartAndShutdown(t *testing.T) {
	p := &fakePoller{due: []domain.Monitor{{ID: "m1", TenantID: "a"}}}
	s := &Scheduler{Poller: p, PollTick: 10 * time.Millisecond}
	s.Start(context.Background())
	assert.Eventually(t, func() bool { return p.count() >= 2 }, time.Second, 5*time.Millisecond)
	s.Shutdown(time.Second)

	n := p.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, p.count(), "no polls after shutdown")
}
