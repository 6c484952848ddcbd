package domain

import "time"

// TimeFormat is the fixed-width UTC layout used for every persisted timestamp.
// Fixed width keeps lexical order equal to chronological order in SQL.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in TimeFormat (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

type Status string

const (
	StatusQueued    Status = "queued"
	StatusWorking   Status = "working"
	StatusBlocked   Status = "blocked"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every item status in lifecycle order.
var Statuses = []Status{StatusQueued, StatusWorking, StatusBlocked, StatusCompleted, StatusFailed, StatusCancelled}

type AssigneeClass string

const (
	AssigneeAgent AssigneeClass = "agent"
	AssigneeHuman AssigneeClass = "human"
)

func (c AssigneeClass) Valid() bool {
	return c == AssigneeAgent || c == AssigneeHuman
}

type WorkItem struct {
	ID                 string         `json:"id"`
	TenantID           string         `json:"tenant_id"`
	Title              string         `json:"title"`
	Description        string         `json:"description,omitempty"`
	Priority           int            `json:"priority"`
	Status             Status         `json:"status" enum:"queued,working,blocked,completed,failed,cancelled"`
	AssigneeClass      AssigneeClass  `json:"assignee_class" enum:"agent,human"`
	ProjectID          *string        `json:"project_id,omitempty"`
	WorkerID           *string        `json:"worker_id,omitempty"`
	DeskID             *string        `json:"desk_id,omitempty"`
	BlockingQuestionID *string        `json:"blocking_question_id,omitempty"`
	RelatedRef         *string        `json:"related_ref,omitempty"`
	Context            map[string]any `json:"context,omitempty"`
	Output             map[string]any `json:"output,omitempty"`
	LastError          *string        `json:"last_error,omitempty"`
	Attempts           int            `json:"attempts"`
	Version            int64          `json:"version"`
	CreatedAt          string         `json:"created_at" format:"date-time"`
	UpdatedAt          string         `json:"updated_at" format:"date-time"`
	StartedAt          *string        `json:"started_at,omitempty" format:"date-time"`
	CompletedAt        *string        `json:"completed_at,omitempty" format:"date-time"`
	DeletedAt          *string        `json:"deleted_at,omitempty" format:"date-time"`
}

type QuestionStatus string

const (
	QuestionUnanswered QuestionStatus = "unanswered"
	QuestionAnswered   QuestionStatus = "answered"
	QuestionDismissed  QuestionStatus = "dismissed"
)

type Question struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	Text          string         `json:"text"`
	Context       string         `json:"context,omitempty"`
	Plan          string         `json:"plan,omitempty"`
	Priority      int            `json:"priority"`
	Status        QuestionStatus `json:"status" enum:"unanswered,answered,dismissed"`
	Answer        *string        `json:"answer,omitempty"`
	AnsweredBy    *string        `json:"answered_by,omitempty"`
	DismissReason *string        `json:"dismiss_reason,omitempty"`
	ItemIDs       []string       `json:"item_ids,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	ResolvedAt    *string        `json:"resolved_at,omitempty" format:"date-time"`
}

type Operator string

const (
	OpEquals   Operator = "equals"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
	OpRegex    Operator = "regex"
)

type RoutingRule struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator" enum:"equals,in,contains,regex"`
	Value    string   `json:"value,omitempty" yaml:"value,omitempty"`
	Values   []string `json:"values,omitempty" yaml:"values,omitempty"`
}

type CoverageSchedule struct {
	Day   string `json:"day" yaml:"day"`
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
	TZ    string `json:"tz" yaml:"tz"`
}

type Desk struct {
	ID        string             `json:"id"`
	TenantID  string             `json:"tenant_id"`
	Name      string             `json:"name"`
	Active    bool               `json:"active"`
	Priority  int                `json:"priority"`
	Rules     []RoutingRule      `json:"rules"`
	Schedules []CoverageSchedule `json:"schedules"`
	CreatedAt string             `json:"created_at" format:"date-time"`
	DeletedAt *string            `json:"deleted_at,omitempty" format:"date-time"`
}

type MonitorStatus string

const (
	MonitorActive MonitorStatus = "active"
	MonitorPaused MonitorStatus = "paused"
	MonitorError  MonitorStatus = "error"
)

type Monitor struct {
	ID                  string         `json:"id"`
	TenantID            string         `json:"tenant_id"`
	Provider            string         `json:"provider"`
	ConnectionRef       string         `json:"connection_ref,omitempty"`
	Config              map[string]any `json:"config,omitempty"`
	TargetDeskID        *string        `json:"target_desk_id,omitempty"`
	AssigneeClass       AssigneeClass  `json:"assignee_class"`
	DefaultPriority     int            `json:"default_priority"`
	PollIntervalSeconds int            `json:"poll_interval_seconds"`
	Status              MonitorStatus  `json:"status" enum:"active,paused,error"`
	LastPolledAt        *string        `json:"last_polled_at,omitempty" format:"date-time"`
	Cursor              *string        `json:"cursor,omitempty"`
	LastError           *string        `json:"last_error,omitempty"`
	WebhookID           *string        `json:"webhook_id,omitempty"`
	WebhookSecret       *string        `json:"-"`
	CreatedAt           string         `json:"created_at" format:"date-time"`
	DeletedAt           *string        `json:"deleted_at,omitempty" format:"date-time"`
}

type MonitorEvent struct {
	ID              string  `json:"id"`
	MonitorID       string  `json:"monitor_id"`
	ProviderEventID string  `json:"provider_event_id"`
	EventType       string  `json:"event_type"`
	Payload         string  `json:"payload"`
	ContextPayload  *string `json:"context_payload,omitempty"`
	Processed       bool    `json:"processed"`
	TaskID          *string `json:"task_id,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type Playbook struct {
	ID        string   `json:"id"`
	TenantID  string   `json:"tenant_id"`
	Name      string   `json:"name"`
	Keywords  []string `json:"keywords"`
	Body      string   `json:"body"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Stats is queue depth for one tenant.
type Stats struct {
	TenantID string         `json:"tenant_id"`
	ByStatus map[Status]int `json:"by_status"`
	ByDesk   map[string]int `json:"by_desk"`
	Total    int            `json:"total"`
}
