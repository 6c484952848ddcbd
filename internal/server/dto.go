package server

import (
	"deskline/internal/domain"
	"deskline/internal/engine"
)

type CreateItemRequest struct {
	ID            *string        `json:"id,omitempty"`
	Title         string         `json:"title" minLength:"1"`
	Description   *string        `json:"description,omitempty"`
	Priority      *int           `json:"priority,omitempty" minimum:"0"`
	AssigneeClass *string        `json:"assignee_class,omitempty" enum:"agent,human"`
	ProjectID     *string        `json:"project_id,omitempty"`
	DeskID        *string        `json:"desk_id,omitempty"`
	RelatedRef    *string        `json:"related_ref,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
}

type UpdateItemRequest struct {
	Title       *string        `json:"title,omitempty"`
	Description *string        `json:"description,omitempty"`
	Priority    *int           `json:"priority,omitempty" minimum:"0"`
	ProjectID   *string        `json:"project_id,omitempty"`
	RelatedRef  *string        `json:"related_ref,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

type StartItemRequest struct {
	WorkerID string `json:"worker_id" minLength:"1"`
}

type CompleteItemRequest struct {
	Output map[string]any `json:"output,omitempty"`
}

type FailItemRequest struct {
	Reason string `json:"reason" minLength:"1"`
	Retry  bool   `json:"retry,omitempty"`
}

type BlockItemRequest struct {
	Question       *string `json:"question,omitempty"`
	Why            *string `json:"why,omitempty"`
	WhatWillBeDone *string `json:"what_will_be_done,omitempty"`
	QuestionID     *string `json:"question_id,omitempty"`
	Priority       *int    `json:"priority,omitempty" minimum:"0"`
}

type AssignDeskRequest struct {
	DeskID string `json:"desk_id" minLength:"1"`
}

type ClaimRequest struct {
	WorkerID      string  `json:"worker_id" minLength:"1"`
	AssigneeClass *string `json:"assignee_class,omitempty" enum:"agent,human"`
	WithContext   bool    `json:"with_context,omitempty"`
}

// ClaimResponse carries the claimed item, or a null item when nothing is
// eligible. The enrichment fields are set only for claims with context.
type ClaimResponse struct {
	Item      *domain.WorkItem       `json:"item"`
	Project   *engine.Project        `json:"project,omitempty"`
	People    []engine.Person        `json:"people,omitempty"`
	History   []domain.WorkItem      `json:"history,omitempty"`
	Playbooks []engine.PlaybookMatch `json:"playbooks,omitempty"`
}

type CreateQuestionRequest struct {
	Text     string   `json:"text" minLength:"1"`
	Context  *string  `json:"context,omitempty"`
	Plan     *string  `json:"plan,omitempty"`
	Priority *int     `json:"priority,omitempty" minimum:"0"`
	ItemIDs  []string `json:"item_ids,omitempty"`
}

type AnswerRequest struct {
	Answer string `json:"answer" minLength:"1"`
}

type AnswerResponse struct {
	Question  domain.Question `json:"question"`
	Unblocked []string        `json:"unblocked"`
}

type DismissRequest struct {
	Reason *string `json:"reason,omitempty"`
}

type DeskRequest struct {
	Name      string                    `json:"name" minLength:"1"`
	Active    *bool                     `json:"active,omitempty"`
	Priority  *int                      `json:"priority,omitempty"`
	Rules     []domain.RoutingRule      `json:"rules,omitempty"`
	Schedules []domain.CoverageSchedule `json:"schedules,omitempty"`
}

type CoverageResponse struct {
	DeskID  string `json:"desk_id"`
	At      string `json:"at" format:"date-time"`
	Covered bool   `json:"covered"`
}

// RoutePreview is the desk an item would be routed to; DeskID is empty when
// no desk matched.
type RoutePreview struct {
	DeskID   string `json:"desk_id,omitempty"`
	DeskName string `json:"desk_name,omitempty"`
	Covered  bool   `json:"covered"`
	Matched  bool   `json:"matched"`
}

type AutoRouteResponse struct {
	Routed int `json:"routed"`
}

type MonitorRequest struct {
	Provider            string         `json:"provider" minLength:"1"`
	ConnectionRef       *string        `json:"connection_ref,omitempty"`
	Config              map[string]any `json:"config,omitempty"`
	TargetDeskID        *string        `json:"target_desk_id,omitempty"`
	AssigneeClass       *string        `json:"assignee_class,omitempty" enum:"agent,human"`
	DefaultPriority     *int           `json:"default_priority,omitempty" minimum:"0"`
	PollIntervalSeconds *int           `json:"poll_interval_seconds,omitempty" minimum:"0"`
}

type PollResponse struct {
	MonitorID  string   `json:"monitor_id"`
	Created    []string `json:"created"`
	Duplicates int      `json:"duplicates"`
	Cursor     string   `json:"cursor,omitempty"`
}

type WebhookSetupRequest struct {
	CallbackURL *string `json:"callback_url,omitempty"`
}

type PlaybookRequest struct {
	Name     string   `json:"name" minLength:"1"`
	Keywords []string `json:"keywords" minItems:"1"`
	Body     string   `json:"body,omitempty"`
}

type APIKeyRequest struct {
	Name *string `json:"name,omitempty"`
}

// APIKeyCreated includes the plaintext key, shown only once.
type APIKeyCreated struct {
	domain.APIKey
	Key string `json:"key"`
}

type paginatedItems struct {
	Items      []domain.WorkItem `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedQuestions struct {
	Items      []domain.Question `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type deskList struct {
	Items []domain.Desk `json:"items"`
}

type monitorList struct {
	Items []domain.Monitor `json:"items"`
}

type monitorEventList struct {
	Items []domain.MonitorEvent `json:"items"`
}

type playbookList struct {
	Items []domain.Playbook `json:"items"`
}

type apiKeyList struct {
	Items []domain.APIKey `json:"items"`
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func intOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func classOrEmpty(s *string) domain.AssigneeClass {
	return domain.AssigneeClass(stringOrEmpty(s))
}
