package ingest_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskline/internal/config"
	"deskline/internal/db"
	"deskline/internal/domain"
	"deskline/internal/engine"
	"deskline/internal/ingest"
	"deskline/internal/migrate"
	"deskline/internal/repo"
	"deskline/internal/router"
)

const tenant = "acme"

type fakeProvider struct {
	mu         sync.Mutex
	events     []ingest.ProviderEvent
	cursor     string
	err        error
	hookEvents []ingest.ProviderEvent
	tokens     []string
	cursors    []string
	block      chan struct{}
	entered    chan struct{}
	tornDown   string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) ValidateConfig(cfg map[string]any) error {
	if _, ok := cfg["bad"]; ok {
		return errors.New("bad config")
	}
	return nil
}

func (f *fakeProvider) Poll(_ context.Context, c ingest.Connection, cursor string) (ingest.PollResult, error) {
	f.mu.Lock()
	f.tokens = append(f.tokens, c.Token)
	f.cursors = append(f.cursors, cursor)
	block, entered := f.block, f.entered
	f.mu.Unlock()
	if block != nil {
		entered <- struct{}{}
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return ingest.PollResult{}, f.err
	}
	return ingest.PollResult{Events: f.events, Cursor: f.cursor}, nil
}

func (f *fakeProvider) SetupWebhook(_ context.Context, c ingest.Connection, url string) (ingest.WebhookRegistration, error) {
	return ingest.WebhookRegistration{ID: "hook-" + c.Monitor.ID, Secret: "shh"}, nil
}

func (f *fakeProvider) HandleWebhook(_ context.Context, _ domain.Monitor, _ []byte, headers http.Header) (ingest.WebhookResult, error) {
	if headers.Get("X-Fake-Sig") != "ok" {
		return ingest.WebhookResult{}, ingest.ErrInvalidSignature
	}
	return ingest.WebhookResult{Events: f.hookEvents}, nil
}

func (f *fakeProvider) TeardownWebhook(_ context.Context, _ ingest.Connection, id string) error {
	f.tornDown = id
	return nil
}

type ingestEnv struct {
	Ctx      context.Context
	Engine   engine.Engine
	Router   *router.Router
	Ingestor *ingest.Ingestor
	Fake     *fakeProvider
	Now      time.Time
}

func newIngestEnv(t *testing.T) *ingestEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	env := &ingestEnv{Ctx: ctx, Fake: &fakeProvider{}, Now: time.Date(2024, 3, 4, 17, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return env.Now }
	env.Engine = engine.New(conn, config.Default())
	env.Engine.Now = clock
	env.Router = router.New(repo.Repo{DB: conn}, nil, nil)
	env.Router.Now = clock
	env.Ingestor = ingest.New(env.Engine, env.Router, ingest.NewRegistry(env.Fake), nil)
	env.Ingestor.Now = clock
	env.Ingestor.Credentials = ingest.StaticCredentials{tenant + "/fake-conn": "token-1"}
	return env
}

func (env *ingestEnv) monitor(t *testing.T, opts ingest.MonitorOptions) domain.Monitor {
	t.Helper()
	opts.TenantID = tenant
	opts.Provider = "fake"
	if opts.ConnectionRef == "" {
		opts.ConnectionRef = "fake-conn"
	}
	m, err := env.Ingestor.CreateMonitor(env.Ctx, opts)
	require.NoError(t, err)
	return m
}

func (env *ingestEnv) items(t *testing.T) []domain.WorkItem {
	t.Helper()
	items, err := env.Engine.ListItems(env.Ctx, repo.ItemFilters{TenantID: tenant})
	require.NoError(t, err)
	return items
}

func TestPollCreatesOneItemPerEvent(t *testing.T) {
	env := newIngestEnv(t)
	mon := env.monitor(t, ingest.MonitorOptions{DefaultPriority: 2, AssigneeClass: domain.AssigneeHuman})
	env.Fake.events = []ingest.ProviderEvent{
		{ID: "e1", Type: "alert", Title: "Disk full", Priority: 1, Context: map[string]any{"host": "db1"}},
		{ID: "e2", Title: "CPU hot"},
	}
	env.Fake.cursor = "c1"

	res, err := env.Ingestor.PollMonitor(env.Ctx, tenant, mon.ID)
	require.NoError(t, err)
	assert.Len(t, res.Created, 2)
	assert.Zero(t, res.Duplicates)
	assert.Equal(t, "c1", res.Cursor)
	assert.Equal(t, []string{"token-1"}, env.Fake.tokens)

	items := env.items(t)
	require.Len(t, items, 2)
	byTitle := map[string]domain.WorkItem{}
	for _, it := range items {
		byTitle[it.Title] = it
	}
	assert.Equal(t, 1, byTitle["Disk full"].Priority)
	assert.Equal(t, 2, byTitle["CPU hot"].Priority)
	assert.Equal(t, domain.AssigneeHuman, byTitle["CPU hot"].AssigneeClass)
	assert.Equal(t, "db1", byTitle["Disk full"].Context["host"])
	assert.Equal(t, "e1", byTitle["Disk full"].Context["provider_event_id"])

	got, err := env.Ingestor.GetMonitor(env.Ctx, tenant, mon.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Cursor)
	assert.Equal(t, "c1", *got.Cursor)
	assert.NotNil(t, got.LastPolledAt)

	evs, err := env.Ingestor.ListMonitorEvents(env.Ctx, tenant, mon.ID, 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	for _, e := range evs {
		assert.True(t, e.Processed)
		assert.NotNil(t, e.TaskID)
	}
}

func TestRepeatedPollIsDeduplicated(t *testing.T) {
	env := newIngestEnv(t)
	mon := env.monitor(t, ingest.MonitorOptions{})
	env.Fake.events = []ingest.ProviderEvent{{ID: "e1", Title: "one"}, {ID: "e2", Title: "two"}}

	_, err := env.Ingestor.PollMonitor(env.Ctx, tenant, mon.ID)
	require.NoError(t, err)

	env.Fake.events = append(env.Fake.events, ingest.ProviderEvent{ID: "e3", Title: "three"})
	res, err := env.Ingestor.PollMonitor(env.Ctx, tenant, mon.ID)
	require.NoError(t, err)
	assert.Len(t, res.Created, 1)
	assert.Equal(t, 2, res.Duplicates)
	assert.Len(t, env.items(t), 3)
}

func TestWebhookAndPollShareDedup(t *testing.T) {
	env := newIngestEnv(t)
	mon := env.monitor(t, ingest.MonitorOptions{})
	env.Fake.hookEvents = []ingest.ProviderEvent{{ID: "e1", Title: "pushed"}}
	ok := http.Header{}
	ok.Set("X-Fake-Sig", "ok")

	res, err := env.Ingestor.IngestWebhook(env.Ctx, mon.ID, []byte(`{}`), ok)
	require.NoError(t, err)
	assert.Len(t, res.Created, 1)

	res, err = env.Ingestor.IngestWebhook(env.Ctx, mon.ID, []byte(`{}`), ok)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Equal(t, 1, res.Duplicates)

	env.Fake.events = []ingest.ProviderEvent{{ID: "e1", Title: "pushed"}}
	res, err = env.Ingestor.PollMonitor(env.Ctx, tenant, mon.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Len(t, env.items(t), 1)

	// webhook deliveries never move the cursor
	got, err := env.Ingestor.GetMonitor(env.Ctx, tenant, mon.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Cursor)

	_, err = env.Ingestor.IngestWebhook(env.Ctx, mon.ID, []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, ingest.ErrInvalidSignature)
}

func TestAdapterFailureKeepsCursor(t *testing.T) {
	env := newIngestEnv(t)
	mon := env.monitor(t, ingest.MonitorOptions{})
	env.Fake.cursor = "c1"
	_, err := env.Ingestor.PollMonitor(env.Ctx, tenant, mon.ID)
	require.NoError(t, err)

	env.Fake.err = errors.New("upstream 503")
	env.Fake.cursor = "c2"
	_, err = env.Ingestor.PollMonitor(env.Ctx, tenant, mon.ID)
	var ae *ingest.AdapterError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "fake", ae.Provider)
	assert.Equal(t, "poll", ae.Op)

	got, err := env.Ingestor.GetMonitor(env.Ctx, tenant, mon.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MonitorError, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "upstream 503")
	assert.Equal(t, "c1", *got.Cursor)

	// errored monitors are still polled and recover on success
	env.Fake.err = nil
	_, err = env.Ingestor.PollMonitor(env.Ctx, tenant, mon.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"", "c1", "c1"}, env.Fake.cursors)
	got, err = env.Ingestor.GetMonitor(env.Ctx, tenant, mon.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MonitorActive, got.Status)
	assert.Nil(t, got.LastError)
	assert.Equal(t, "c2", *got.Cursor)
}

func TestMissingCredentialIsAdapterError(t *testing.T) {
	env := newIngestEnv(t)
	mon := env.monitor(t, ingest.MonitorOptions{ConnectionRef: "unknown"})
	_, err := env.Ingestor.PollMonitor(env.Ctx, tenant, mon.ID)
	var ae *ingest.AdapterError
	require.ErrorAs(t, err, &ae)
	assert.ErrorIs(t, err, ingest.ErrCredentialNotFound)
	assert.Empty(t, env.Fake.tokens)
}

func TestPollsOfOneMonitorNeverOverlap(t *testing.T) {
	env := newIngestEnv(t)
	mon := env.monitor(t, ingest.MonitorOptions{})
	env.Fake.block = make(chan struct{})
	env.Fake.entered = make(chan struct{}, 1)
	env.Fake.events = []ingest.ProviderEvent{{ID: "e1", Title: "one"}}

	done := make(chan error, 1)
	go func() {
		_, err := env.Ingestor.PollMonitor(env.Ctx, tenant, mon.ID)
		done <- err
	}()
	<-env.Fake.entered

	_, err := env.Ingestor.PollMonitor(env.Ctx, tenant, mon.ID)
	assert.ErrorIs(t, err, ingest.ErrPollInProgress)

	close(env.Fake.block)
	require.NoError(t, <-done)
	assert.Len(t, env.items(t), 1)
}

func TestIngestedItemsAreRouted(t *testing.T) {
	env := newIngestEnv(t)
	ops, err := env.Router.CreateDesk(env.Ctx, router.DeskOptions{TenantID: tenant, Name: "Ops", Priority: 5,
		Rules: []domain.RoutingRule{{Field: "context.host", Operator: domain.OpContains, Value: "db"}}})
	require.NoError(t, err)
	triage, err := env.Router.CreateDesk(env.Ctx, router.DeskOptions{TenantID: tenant, Name: "Triage"})
	require.NoError(t, err)

	routed := env.monitor(t, ingest.MonitorOptions{})
	targeted := env.monitor(t, ingest.MonitorOptions{TargetDeskID: triage.ID})
	env.Fake.events = []ingest.ProviderEvent{{ID: "e1", Title: "db down", Context: map[string]any{"host": "db7"}}}

	res, err := env.Ingestor.PollMonitor(env.Ctx, tenant, routed.ID)
	require.NoError(t, err)
	it, err := env.Engine.GetItem(env.Ctx, tenant, res.Created[0])
	require.NoError(t, err)
	require.NotNil(t, it.DeskID)
	assert.Equal(t, ops.ID, *it.DeskID)

	res, err = env.Ingestor.PollMonitor(env.Ctx, tenant, targeted.ID)
	require.NoError(t, err)
	require.Len(t, res.Created, 1, "dedup is per monitor")
	it, err = env.Engine.GetItem(env.Ctx, tenant, res.Created[0])
	require.NoError(t, err)
	assert.Equal(t, triage.ID, *it.DeskID)
}

func TestPausedMonitors(t *testing.T) {
	env := newIngestEnv(t)
	mon := env.monitor(t, ingest.MonitorOptions{PollIntervalSeconds: 60})
	other := env.monitor(t, ingest.MonitorOptions{PollIntervalSeconds: 60})

	due, err := env.Ingestor.DueMonitors(env.Ctx, env.Now)
	require.NoError(t, err)
	assert.Len(t, due, 2, "never polled monitors are due")

	_, err = env.Ingestor.PauseMonitor(env.Ctx, tenant, mon.ID, "admin")
	require.NoError(t, err)
	_, err = env.Ingestor.PollMonitor(env.Ctx, tenant, mon.ID)
	assert.ErrorIs(t, err, ingest.ErrMonitorPaused)

	_, err = env.Ingestor.PollMonitor(env.Ctx, tenant, other.ID)
	require.NoError(t, err)
	due, err = env.Ingestor.DueMonitors(env.Ctx, env.Now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = env.Ingestor.DueMonitors(env.Ctx, env.Now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, other.ID, due[0].ID)

	resumed, err := env.Ingestor.ResumeMonitor(env.Ctx, tenant, mon.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.MonitorActive, resumed.Status)
}

func TestWebhookRegistration(t *testing.T) {
	env := newIngestEnv(t)
	mon := env.monitor(t, ingest.MonitorOptions{})

	_, err := env.Ingestor.TeardownWebhook(env.Ctx, tenant, mon.ID)
	assert.ErrorIs(t, err, ingest.ErrNoWebhook)

	got, err := env.Ingestor.SetupWebhook(env.Ctx, tenant, mon.ID, "https://dl.example/hooks/"+mon.ID)
	require.NoError(t, err)
	require.NotNil(t, got.WebhookID)
	assert.Equal(t, "hook-"+mon.ID, *got.WebhookID)
	require.NotNil(t, got.WebhookSecret)
	assert.Equal(t, "shh", *got.WebhookSecret)

	got, err = env.Ingestor.TeardownWebhook(env.Ctx, tenant, mon.ID)
	require.NoError(t, err)
	assert.Nil(t, got.WebhookID)
	assert.Nil(t, got.WebhookSecret)
	assert.Equal(t, "hook-"+mon.ID, env.Fake.tornDown)
}

func TestCreateMonitorValidation(t *testing.T) {
	env := newIngestEnv(t)
	_, err := env.Ingestor.CreateMonitor(env.Ctx, ingest.MonitorOptions{TenantID: tenant, Provider: "jira"})
	assert.ErrorIs(t, err, ingest.ErrUnknownProvider)

	_, err = env.Ingestor.CreateMonitor(env.Ctx, ingest.MonitorOptions{TenantID: tenant, Provider: "fake", Config: map[string]any{"bad": true}})
	assert.ErrorIs(t, err, ingest.ErrInvalidMonitor)

	_, err = env.Ingestor.CreateMonitor(env.Ctx, ingest.MonitorOptions{TenantID: tenant, Provider: "fake", TargetDeskID: "nope"})
	assert.ErrorIs(t, err, repo.ErrNotFound)

	m := env.monitor(t, ingest.MonitorOptions{})
	assert.Equal(t, engine.DefaultPriority, m.DefaultPriority)
	assert.Equal(t, ingest.DefaultPollInterval, m.PollIntervalSeconds)
	assert.Equal(t, domain.AssigneeAgent, m.AssigneeClass)

	_, err = env.Ingestor.GetMonitor(env.Ctx, "other", m.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	require.NoError(t, env.Ingestor.DeleteMonitor(env.Ctx, tenant, m.ID, "admin"))
	_, err = env.Ingestor.GetMonitor(env.Ctx, tenant, m.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}
