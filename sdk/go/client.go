// Package desklinesdk is a small client for the Deskline HTTP API aimed at
// remote workers: claim an item, then complete, fail or block it.
package desklinesdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client talks to one Deskline server. Set APIKey or BearerToken; BearerToken
// wins when both are present.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	Timeout     time.Duration
	Retries     int

	http *resty.Client
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
		Retries:  2,
	}
}

type Item struct {
	ID                 string         `json:"id"`
	TenantID           string         `json:"tenant_id"`
	Title              string         `json:"title"`
	Description        string         `json:"description,omitempty"`
	Priority           int            `json:"priority"`
	Status             string         `json:"status"`
	AssigneeClass      string         `json:"assignee_class"`
	ProjectID          *string        `json:"project_id,omitempty"`
	WorkerID           *string        `json:"worker_id,omitempty"`
	DeskID             *string        `json:"desk_id,omitempty"`
	BlockingQuestionID *string        `json:"blocking_question_id,omitempty"`
	Context            map[string]any `json:"context,omitempty"`
	Output             map[string]any `json:"output,omitempty"`
	LastError          *string        `json:"last_error,omitempty"`
	Attempts           int            `json:"attempts"`
	CreatedAt          string         `json:"created_at"`
	UpdatedAt          string         `json:"updated_at"`
}

type Question struct {
	ID         string   `json:"id"`
	Text       string   `json:"text"`
	Context    string   `json:"context,omitempty"`
	Plan       string   `json:"plan,omitempty"`
	Priority   int      `json:"priority"`
	Status     string   `json:"status"`
	Answer     *string  `json:"answer,omitempty"`
	AnsweredBy *string  `json:"answered_by,omitempty"`
	ItemIDs    []string `json:"item_ids,omitempty"`
	CreatedAt  string   `json:"created_at"`
}

type Playbook struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Keywords []string `json:"keywords"`
	Body     string   `json:"body"`
}

// Claim is what the server hands a worker. Item is nil when the queue is
// empty. The remaining fields are filled only for context claims.
type Claim struct {
	Item    *Item          `json:"item"`
	Project map[string]any `json:"project,omitempty"`
	People  []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Role string `json:"role,omitempty"`
	} `json:"people,omitempty"`
	History   []Item `json:"history,omitempty"`
	Playbooks []struct {
		Playbook Playbook `json:"playbook"`
		Score    int      `json:"score"`
	} `json:"playbooks,omitempty"`
}

type BlockResult struct {
	Item     Item     `json:"item"`
	Question Question `json:"question"`
}

type Answered struct {
	Question  Question `json:"question"`
	Unblocked []string `json:"unblocked"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code, for example
// "invalid_transition" or "not_found".
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

// CreateItemRequest mirrors the server's item creation body.
type CreateItemRequest struct {
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	Priority      int            `json:"priority,omitempty"`
	AssigneeClass string         `json:"assignee_class,omitempty"`
	ProjectID     string         `json:"project_id,omitempty"`
	DeskID        string         `json:"desk_id,omitempty"`
	RelatedRef    string         `json:"related_ref,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
}

func (c *Client) CreateItem(ctx context.Context, req CreateItemRequest) (Item, error) {
	var out Item
	err := c.do(ctx, http.MethodPost, "items", req, &out)
	return out, err
}

func (c *Client) GetItem(ctx context.Context, id string) (Item, error) {
	var out Item
	err := c.do(ctx, http.MethodGet, "items/"+url.PathEscape(id), nil, &out)
	return out, err
}

// ClaimNext claims the highest-priority queued item for workerID. class may
// be empty for agent work. It returns a nil item when nothing is queued.
func (c *Client) ClaimNext(ctx context.Context, workerID, class string) (*Item, error) {
	claim, err := c.claim(ctx, workerID, class, false)
	return claim.Item, err
}

// ClaimWithContext claims like ClaimNext and also returns the project,
// people, recent history and matching playbooks.
func (c *Client) ClaimWithContext(ctx context.Context, workerID, class string) (Claim, error) {
	return c.claim(ctx, workerID, class, true)
}

func (c *Client) claim(ctx context.Context, workerID, class string, withContext bool) (Claim, error) {
	body := map[string]any{"worker_id": workerID, "with_context": withContext}
	if class != "" {
		body["assignee_class"] = class
	}
	var out Claim
	err := c.do(ctx, http.MethodPost, "claim", body, &out)
	return out, err
}

func (c *Client) Complete(ctx context.Context, itemID string, output map[string]any) (Item, error) {
	body := map[string]any{}
	if output != nil {
		body["output"] = output
	}
	var out Item
	err := c.do(ctx, http.MethodPost, "items/"+url.PathEscape(itemID)+"/complete", body, &out)
	return out, err
}

// Fail records a failure. With retry the item goes back to the queue.
func (c *Client) Fail(ctx context.Context, itemID, reason string, retry bool) (Item, error) {
	var out Item
	err := c.do(ctx, http.MethodPost, "items/"+url.PathEscape(itemID)+"/fail", map[string]any{"reason": reason, "retry": retry}, &out)
	return out, err
}

// Block parks a working item behind a new question.
func (c *Client) Block(ctx context.Context, itemID, question, why, plan string) (BlockResult, error) {
	body := map[string]any{"question": question}
	if why != "" {
		body["why"] = why
	}
	if plan != "" {
		body["what_will_be_done"] = plan
	}
	var out BlockResult
	err := c.do(ctx, http.MethodPost, "items/"+url.PathEscape(itemID)+"/block", body, &out)
	return out, err
}

func (c *Client) Answer(ctx context.Context, questionID, answer string) (Answered, error) {
	var out Answered
	err := c.do(ctx, http.MethodPost, "questions/"+url.PathEscape(questionID)+"/answer", map[string]any{"answer": answer}, &out)
	return out, err
}

// EventsPage returns audit events newest first; pass NextCursor to continue.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var out PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &out)
	return out, err
}

func (c *Client) client() *resty.Client {
	if c.http == nil {
		c.http = resty.New().
			SetBaseURL(strings.TrimRight(c.BaseURL, "/")).
			SetTimeout(c.Timeout).
			SetRetryCount(c.Retries).
			SetRetryWaitTime(200*time.Millisecond).
			SetRetryMaxWaitTime(2*time.Second).
			SetHeader("Accept", "application/json").
			AddRetryCondition(func(r *resty.Response, err error) bool {
				// Claims and transitions are not idempotent; only reads retry.
				if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
					return false
				}
				return err != nil || r.StatusCode() >= http.StatusInternalServerError
			})
	}
	return c.http
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	req := c.client().R().SetContext(ctx).SetError(&errorEnvelope{})
	switch {
	case c.BearerToken != "":
		req.SetAuthToken(c.BearerToken)
	case c.APIKey != "":
		req.SetHeader("X-Api-Key", c.APIKey)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, c.path(endpoint))
	if err != nil {
		return err
	}
	if resp.IsError() {
		apiErr := &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
		if env, ok := resp.Error().(*errorEnvelope); ok {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	return nil
}

func (c *Client) path(endpoint string) string {
	base := "/" + strings.Trim(c.BasePath, "/")
	if base == "/" {
		base = ""
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
