package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"deskline/internal/domain"
	"deskline/internal/engine"
	"deskline/internal/events"
)

const DefaultPollInterval = 300

type MonitorOptions struct {
	TenantID            string
	Provider            string
	ConnectionRef       string
	Config              map[string]any
	TargetDeskID        string
	AssigneeClass       domain.AssigneeClass
	DefaultPriority     int
	PollIntervalSeconds int
	ActorID             string
}

func (i *Ingestor) CreateMonitor(ctx context.Context, opts MonitorOptions) (domain.Monitor, error) {
	if opts.TenantID == "" {
		return domain.Monitor{}, fmt.Errorf("%w: tenant is required", ErrInvalidMonitor)
	}
	p, err := i.Providers.Get(strings.TrimSpace(opts.Provider))
	if err != nil {
		return domain.Monitor{}, err
	}
	if opts.Config == nil {
		opts.Config = map[string]any{}
	}
	if err := p.ValidateConfig(opts.Config); err != nil {
		return domain.Monitor{}, fmt.Errorf("%w: %v", ErrInvalidMonitor, err)
	}
	if opts.AssigneeClass == "" {
		opts.AssigneeClass = domain.AssigneeAgent
	}
	if !opts.AssigneeClass.Valid() {
		return domain.Monitor{}, fmt.Errorf("%w: unknown assignee class %q", ErrInvalidMonitor, opts.AssigneeClass)
	}
	if opts.DefaultPriority < 0 || opts.PollIntervalSeconds < 0 {
		return domain.Monitor{}, fmt.Errorf("%w: priority and interval must not be negative", ErrInvalidMonitor)
	}
	if opts.DefaultPriority == 0 {
		opts.DefaultPriority = engine.DefaultPriority
	}
	if opts.PollIntervalSeconds == 0 {
		opts.PollIntervalSeconds = DefaultPollInterval
	}
	m := domain.Monitor{
		ID:                  uuid.NewString(),
		TenantID:            opts.TenantID,
		Provider:            p.Name(),
		ConnectionRef:       opts.ConnectionRef,
		Config:              opts.Config,
		AssigneeClass:       opts.AssigneeClass,
		DefaultPriority:     opts.DefaultPriority,
		PollIntervalSeconds: opts.PollIntervalSeconds,
		Status:              domain.MonitorActive,
		CreatedAt:           domain.FormatTime(i.now()),
	}
	if opts.TargetDeskID != "" {
		desk := opts.TargetDeskID
		m.TargetDeskID = &desk
	}
	err = i.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if m.TargetDeskID != nil {
			if _, err := i.Repo.GetDesk(ctx, tx, m.TenantID, *m.TargetDeskID); err != nil {
				return fmt.Errorf("target desk %s: %w", *m.TargetDeskID, err)
			}
		}
		if err := i.Repo.InsertMonitor(ctx, tx, m); err != nil {
			return err
		}
		return i.audit().Append(ctx, tx, events.MonitorCreated, m.TenantID, "monitor", m.ID, opts.ActorID,
			events.EventPayload{"provider": m.Provider})
	})
	if err != nil {
		return domain.Monitor{}, err
	}
	i.Engine.Publish(ctx, engine.Notice{TenantID: m.TenantID, Type: events.MonitorCreated, EntityID: m.ID, Payload: m})
	return m, nil
}

func (i *Ingestor) GetMonitor(ctx context.Context, tenantID, id string) (domain.Monitor, error) {
	return i.Repo.GetMonitor(ctx, nil, tenantID, id)
}

func (i *Ingestor) ListMonitors(ctx context.Context, tenantID string) ([]domain.Monitor, error) {
	return i.Repo.ListMonitors(ctx, nil, tenantID)
}

// ListMonitorEvents returns the newest recorded events of a tenant's monitor.
func (i *Ingestor) ListMonitorEvents(ctx context.Context, tenantID, id string, limit int) ([]domain.MonitorEvent, error) {
	if _, err := i.Repo.GetMonitor(ctx, nil, tenantID, id); err != nil {
		return nil, err
	}
	return i.Repo.ListMonitorEvents(ctx, nil, id, limit)
}

func (i *Ingestor) PauseMonitor(ctx context.Context, tenantID, id, actorID string) (domain.Monitor, error) {
	return i.setStatus(ctx, tenantID, id, actorID, domain.MonitorPaused)
}

// ResumeMonitor reactivates a paused or errored monitor.
func (i *Ingestor) ResumeMonitor(ctx context.Context, tenantID, id, actorID string) (domain.Monitor, error) {
	return i.setStatus(ctx, tenantID, id, actorID, domain.MonitorActive)
}

func (i *Ingestor) setStatus(ctx context.Context, tenantID, id, actorID string, status domain.MonitorStatus) (domain.Monitor, error) {
	var m domain.Monitor
	err := i.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := i.Repo.SetMonitorStatus(ctx, tx, tenantID, id, status); err != nil {
			return err
		}
		if err := i.audit().Append(ctx, tx, events.MonitorUpdated, tenantID, "monitor", id, actorID,
			events.EventPayload{"status": status}); err != nil {
			return err
		}
		var err error
		m, err = i.Repo.GetMonitor(ctx, tx, tenantID, id)
		return err
	})
	if err != nil {
		return domain.Monitor{}, err
	}
	i.Engine.Publish(ctx, engine.Notice{TenantID: tenantID, Type: events.MonitorUpdated, EntityID: id, Payload: m})
	return m, nil
}

func (i *Ingestor) DeleteMonitor(ctx context.Context, tenantID, id, actorID string) error {
	err := i.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := i.Repo.SoftDeleteMonitor(ctx, tx, tenantID, id, domain.FormatTime(i.now())); err != nil {
			return err
		}
		return i.audit().Append(ctx, tx, events.MonitorDeleted, tenantID, "monitor", id, actorID, nil)
	})
	if err != nil {
		return err
	}
	i.Engine.Publish(ctx, engine.Notice{TenantID: tenantID, Type: events.MonitorDeleted, EntityID: id})
	return nil
}

// SetupWebhook registers callbackURL with the provider and stores the
// returned webhook id and signing secret on the monitor.
func (i *Ingestor) SetupWebhook(ctx context.Context, tenantID, id, callbackURL string) (domain.Monitor, error) {
	mon, err := i.Repo.GetMonitor(ctx, nil, tenantID, id)
	if err != nil {
		return domain.Monitor{}, err
	}
	p, conn, err := i.connect(ctx, mon, "webhook_setup")
	if err != nil {
		return domain.Monitor{}, err
	}
	reg, err := p.SetupWebhook(ctx, conn, callbackURL)
	if err != nil {
		if errors.Is(err, ErrWebhookUnsupported) {
			return domain.Monitor{}, err
		}
		return domain.Monitor{}, &AdapterError{Provider: mon.Provider, Op: "webhook_setup", Err: err}
	}
	err = i.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := i.Repo.SetWebhook(ctx, tx, tenantID, id, &reg.ID, &reg.Secret); err != nil {
			return err
		}
		if err := i.audit().Append(ctx, tx, events.WebhookSetup, tenantID, "monitor", id, "",
			events.EventPayload{"webhook_id": reg.ID, "url": callbackURL}); err != nil {
			return err
		}
		mon, err = i.Repo.GetMonitor(ctx, tx, tenantID, id)
		return err
	})
	if err != nil {
		return domain.Monitor{}, err
	}
	i.Engine.Publish(ctx, engine.Notice{TenantID: tenantID, Type: events.WebhookSetup, EntityID: id, Payload: mon})
	return mon, nil
}

// TeardownWebhook removes the provider registration and clears it locally.
func (i *Ingestor) TeardownWebhook(ctx context.Context, tenantID, id string) (domain.Monitor, error) {
	mon, err := i.Repo.GetMonitor(ctx, nil, tenantID, id)
	if err != nil {
		return domain.Monitor{}, err
	}
	if mon.WebhookID == nil {
		return domain.Monitor{}, fmt.Errorf("%w: %s", ErrNoWebhook, id)
	}
	p, conn, err := i.connect(ctx, mon, "webhook_teardown")
	if err != nil {
		return domain.Monitor{}, err
	}
	if err := p.TeardownWebhook(ctx, conn, *mon.WebhookID); err != nil {
		return domain.Monitor{}, &AdapterError{Provider: mon.Provider, Op: "webhook_teardown", Err: err}
	}
	removed := *mon.WebhookID
	err = i.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := i.Repo.SetWebhook(ctx, tx, tenantID, id, nil, nil); err != nil {
			return err
		}
		if err := i.audit().Append(ctx, tx, events.WebhookTeardown, tenantID, "monitor", id, "",
			events.EventPayload{"webhook_id": removed}); err != nil {
			return err
		}
		mon, err = i.Repo.GetMonitor(ctx, tx, tenantID, id)
		return err
	})
	if err != nil {
		return domain.Monitor{}, err
	}
	i.Engine.Publish(ctx, engine.Notice{TenantID: tenantID, Type: events.WebhookTeardown, EntityID: id, Payload: mon})
	return mon, nil
}

// DueMonitors lists monitors of every tenant whose poll interval has elapsed.
// Paused monitors are never due; errored ones keep being retried.
func (i *Ingestor) DueMonitors(ctx context.Context, now time.Time) ([]domain.Monitor, error) {
	all, err := i.Repo.ListPollable(ctx, nil)
	if err != nil {
		return nil, err
	}
	var due []domain.Monitor
	for _, m := range all {
		if m.LastPolledAt == nil {
			due = append(due, m)
			continue
		}
		last, err := time.Parse(domain.TimeFormat, *m.LastPolledAt)
		if err != nil {
			due = append(due, m)
			continue
		}
		interval := time.Duration(m.PollIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = DefaultPollInterval * time.Second
		}
		if !now.Before(last.Add(interval)) {
			due = append(due, m)
		}
	}
	return due, nil
}
