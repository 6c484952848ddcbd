package ingest

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"deskline/internal/domain"
	"deskline/internal/engine"
	"deskline/internal/events"
	"deskline/internal/repo"
	"deskline/internal/router"
)

const defaultLockTTL = 2 * time.Minute

type Ingestor struct {
	Repo        repo.Repo
	Engine      engine.Engine
	Router      *router.Router
	Providers   Registry
	Locker      Locker
	Credentials Credentials
	LockTTL     time.Duration
	Log         *zap.Logger
	Now         func() time.Time
}

// Result summarizes one poll or webhook delivery.
type Result struct {
	MonitorID  string   `json:"monitor_id"`
	Created    []string `json:"created"`
	Duplicates int      `json:"duplicates"`
	Cursor     string   `json:"cursor,omitempty"`
	Challenge  string   `json:"-"`
}

func New(eng engine.Engine, rt *router.Router, providers Registry, log *zap.Logger) *Ingestor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingestor{
		Repo:        eng.Repo,
		Engine:      eng,
		Router:      rt,
		Providers:   providers,
		Locker:      NewMemoryLocker(),
		Credentials: EnvCredentials{},
		LockTTL:     defaultLockTTL,
		Log:         log,
		Now:         time.Now,
	}
}

func (i *Ingestor) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

func (i *Ingestor) log() *zap.Logger {
	if i.Log == nil {
		return zap.NewNop()
	}
	return i.Log
}

func (i *Ingestor) audit() events.Writer {
	return events.Writer{Now: i.now}
}

func (i *Ingestor) credential(ctx context.Context, mon domain.Monitor) (string, error) {
	if mon.ConnectionRef == "" || i.Credentials == nil {
		return "", nil
	}
	return i.Credentials.Credential(ctx, mon.TenantID, mon.ConnectionRef)
}

func (i *Ingestor) connect(ctx context.Context, mon domain.Monitor, op string) (Provider, Connection, error) {
	p, err := i.Providers.Get(mon.Provider)
	if err != nil {
		return nil, Connection{}, err
	}
	token, err := i.credential(ctx, mon)
	if err != nil {
		return nil, Connection{}, &AdapterError{Provider: mon.Provider, Op: op, Err: err}
	}
	return p, Connection{Monitor: mon, Token: token}, nil
}

// PollMonitor fetches new events for one monitor and turns each unseen event
// into a work item. Polls of the same monitor never overlap; a concurrent
// call gets ErrPollInProgress. Provider failures mark the monitor errored,
// keep its cursor and come back as *AdapterError.
func (i *Ingestor) PollMonitor(ctx context.Context, tenantID, monitorID string) (*Result, error) {
	ttl := i.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	locker := i.Locker
	if locker == nil {
		locker = NewMemoryLocker()
		i.Locker = locker
	}
	unlock, ok, err := locker.TryLock(ctx, "monitor:"+monitorID, ttl)
	if err != nil {
		return nil, fmt.Errorf("lock monitor %s: %w", monitorID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: monitor %s", ErrPollInProgress, monitorID)
	}
	defer unlock()

	// Loaded under the lock so the cursor is the one the previous poll saved.
	mon, err := i.Repo.GetMonitor(ctx, nil, tenantID, monitorID)
	if err != nil {
		return nil, err
	}
	if mon.Status == domain.MonitorPaused {
		return nil, fmt.Errorf("%w: %s", ErrMonitorPaused, monitorID)
	}
	p, conn, err := i.connect(ctx, mon, "poll")
	if err != nil {
		return nil, i.recordFailure(ctx, mon, err)
	}
	prev := ""
	if mon.Cursor != nil {
		prev = *mon.Cursor
	}
	polled, err := p.Poll(ctx, conn, prev)
	if err != nil {
		var ae *AdapterError
		if !errors.As(err, &ae) {
			err = &AdapterError{Provider: mon.Provider, Op: "poll", Err: err}
		}
		return nil, i.recordFailure(ctx, mon, err)
	}
	cursor := polled.Cursor
	if cursor == "" {
		cursor = prev
	}
	return i.ingest(ctx, mon, polled.Events, &cursor)
}

func (i *Ingestor) recordFailure(ctx context.Context, mon domain.Monitor, cause error) error {
	i.log().Warn("monitor poll failed",
		zap.String("tenant_id", mon.TenantID), zap.String("monitor_id", mon.ID),
		zap.String("provider", mon.Provider), zap.Error(cause))
	err := i.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := i.Repo.RecordPollFailure(ctx, tx, mon.TenantID, mon.ID, cause.Error(), domain.FormatTime(i.now())); err != nil {
			return err
		}
		return i.audit().Append(ctx, tx, events.MonitorErrored, mon.TenantID, "monitor", mon.ID, "ingest",
			events.EventPayload{"error": cause.Error()})
	})
	if err != nil {
		return errors.Join(cause, fmt.Errorf("record poll failure: %w", err))
	}
	i.Engine.Publish(ctx, engine.Notice{TenantID: mon.TenantID, Type: events.MonitorErrored, EntityID: mon.ID,
		Payload: map[string]string{"error": cause.Error()}})
	return cause
}

// IngestWebhook verifies and processes a delivery addressed to a monitor.
// The monitor's cursor is left untouched. Deliveries to a paused monitor
// are acknowledged and dropped.
func (i *Ingestor) IngestWebhook(ctx context.Context, monitorID string, payload []byte, headers http.Header) (*Result, error) {
	mon, err := i.Repo.GetMonitorByID(ctx, nil, monitorID)
	if err != nil {
		return nil, err
	}
	p, err := i.Providers.Get(mon.Provider)
	if err != nil {
		return nil, err
	}
	hook, err := p.HandleWebhook(ctx, mon, payload, headers)
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			i.log().Warn("webhook rejected", zap.String("monitor_id", mon.ID), zap.Error(err))
			return nil, err
		}
		return nil, &AdapterError{Provider: mon.Provider, Op: "webhook", Err: err}
	}
	if hook.Challenge != "" {
		return &Result{MonitorID: mon.ID, Challenge: hook.Challenge}, nil
	}
	if mon.Status == domain.MonitorPaused {
		i.log().Info("webhook ignored for paused monitor", zap.String("monitor_id", mon.ID))
		return &Result{MonitorID: mon.ID, Created: []string{}}, nil
	}
	return i.ingest(ctx, mon, hook.Events, nil)
}

// ingest records events and creates their items in one transaction. A nil
// cursor leaves the monitor's polling state alone.
func (i *Ingestor) ingest(ctx context.Context, mon domain.Monitor, evs []ProviderEvent, cursor *string) (*Result, error) {
	drafts := make([]draft, 0, len(evs))
	for _, ev := range evs {
		d := i.draft(mon, ev)
		if mon.TargetDeskID == nil && i.Router != nil {
			// Lookups may hit the network; do them before the transaction.
			d.related = i.Router.RelatedFields(ctx, mon.TenantID, d.probe())
		}
		drafts = append(drafts, d)
	}

	res := &Result{MonitorID: mon.ID, Created: []string{}}
	var created []domain.WorkItem
	now := i.now()
	err := i.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		var desks []domain.Desk
		desksLoaded := false
		for _, d := range drafts {
			inserted, err := i.Repo.InsertMonitorEvent(ctx, tx, d.event)
			if err != nil {
				return err
			}
			if !inserted {
				res.Duplicates++
				continue
			}
			if mon.TargetDeskID != nil {
				d.opts.DeskID = *mon.TargetDeskID
			} else if i.Router != nil {
				if !desksLoaded {
					if desks, err = i.Router.ActiveDesks(ctx, tx, mon.TenantID); err != nil {
						return err
					}
					desksLoaded = true
				}
				if route := i.Router.Match(desks, d.probe(), d.related, now); route != nil {
					d.opts.DeskID = route.DeskID
				}
			}
			it, err := i.Engine.CreateItemTx(ctx, tx, d.opts)
			if err != nil {
				return fmt.Errorf("event %s: %w", d.event.ProviderEventID, err)
			}
			if err := i.Repo.MarkEventProcessed(ctx, tx, d.event.ID, it.ID); err != nil {
				return err
			}
			created = append(created, it)
			res.Created = append(res.Created, it.ID)
		}
		if cursor != nil {
			res.Cursor = *cursor
			var stored *string
			if *cursor != "" {
				stored = cursor
			}
			if err := i.Repo.RecordPollSuccess(ctx, tx, mon.TenantID, mon.ID, stored, domain.FormatTime(now)); err != nil {
				return err
			}
		}
		return i.audit().Append(ctx, tx, events.MonitorPolled, mon.TenantID, "monitor", mon.ID, "ingest",
			events.EventPayload{"created": len(res.Created), "duplicates": res.Duplicates, "webhook": cursor == nil})
	})
	if err != nil {
		return nil, err
	}

	notices := make([]engine.Notice, 0, len(created)+1)
	for _, it := range created {
		notices = append(notices, engine.Notice{TenantID: it.TenantID, Type: events.ItemCreated, EntityID: it.ID, Payload: it})
	}
	notices = append(notices, engine.Notice{TenantID: mon.TenantID, Type: events.MonitorPolled, EntityID: mon.ID, Payload: res})
	i.Engine.Publish(ctx, notices...)
	if len(res.Created) > 0 || res.Duplicates > 0 {
		i.log().Info("monitor events ingested",
			zap.String("tenant_id", mon.TenantID), zap.String("monitor_id", mon.ID),
			zap.Int("created", len(res.Created)), zap.Int("duplicates", res.Duplicates))
	}
	return res, nil
}

type draft struct {
	event   domain.MonitorEvent
	opts    engine.ItemCreateOptions
	related map[string]string
}

// probe is the item as the router will see it.
func (d draft) probe() domain.WorkItem {
	it := domain.WorkItem{
		TenantID:      d.opts.TenantID,
		Title:         d.opts.Title,
		Description:   d.opts.Description,
		Priority:      d.opts.Priority,
		Status:        domain.StatusQueued,
		AssigneeClass: d.opts.AssigneeClass,
		Context:       d.opts.Context,
	}
	if d.opts.Priority == 0 {
		it.Priority = engine.DefaultPriority
	}
	if it.AssigneeClass == "" {
		it.AssigneeClass = domain.AssigneeAgent
	}
	if d.opts.RelatedRef != "" {
		ref := d.opts.RelatedRef
		it.RelatedRef = &ref
	}
	return it
}

func (i *Ingestor) draft(mon domain.Monitor, ev ProviderEvent) draft {
	payload := ev.Payload
	if len(payload) == 0 || !json.Valid(payload) {
		payload = json.RawMessage("{}")
	}
	id := ev.ID
	if id == "" {
		sum := sha256.Sum256(payload)
		id = "sha256:" + hex.EncodeToString(sum[:])
	}
	evType := ev.Type
	if evType == "" {
		evType = "event"
	}
	itemCtx := map[string]any{}
	for k, v := range ev.Context {
		itemCtx[k] = v
	}
	itemCtx["monitor_id"] = mon.ID
	itemCtx["provider"] = mon.Provider
	itemCtx["provider_event_id"] = id
	itemCtx["event_type"] = evType

	me := domain.MonitorEvent{
		ID:              uuid.NewString(),
		MonitorID:       mon.ID,
		ProviderEventID: id,
		EventType:       evType,
		Payload:         string(payload),
		CreatedAt:       domain.FormatTime(i.now()),
	}
	if len(ev.Context) > 0 {
		if data, err := json.Marshal(ev.Context); err == nil {
			s := string(data)
			me.ContextPayload = &s
		}
	}

	title := strings.TrimSpace(ev.Title)
	if title == "" {
		title = fmt.Sprintf("%s %s %s", mon.Provider, evType, id)
	}
	priority := ev.Priority
	if priority <= 0 {
		priority = mon.DefaultPriority
	}
	return draft{
		event: me,
		opts: engine.ItemCreateOptions{
			TenantID:      mon.TenantID,
			Title:         title,
			Description:   ev.Description,
			Priority:      priority,
			AssigneeClass: mon.AssigneeClass,
			RelatedRef:    ev.RelatedRef,
			Context:       itemCtx,
			ActorID:       "monitor:" + mon.ID,
		},
	}
}
