package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"deskline/internal/domain"
	"deskline/internal/ingest"
)

const githubAPI = "https://api.github.com"

// GitHub watches the issues of one repository. Config: owner, repo and
// optionally api_url and labels (comma separated filter).
type GitHub struct {
	opts Options
}

func NewGitHub(opts Options) *GitHub {
	return &GitHub{opts: opts}
}

func (g *GitHub) Name() string { return "github" }

func (g *GitHub) ValidateConfig(cfg map[string]any) error {
	return requireConfig(cfg, "owner", "repo")
}

type githubIssue struct {
	ID          int64           `json:"id"`
	Number      int             `json:"number"`
	Title       string          `json:"title"`
	Body        string          `json:"body"`
	State       string          `json:"state"`
	HTMLURL     string          `json:"html_url"`
	UpdatedAt   string          `json:"updated_at"`
	PullRequest json.RawMessage `json:"pull_request,omitempty"`
	User        struct {
		Login string `json:"login"`
	} `json:"user"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

func (g *GitHub) repoPath(cfg map[string]any) string {
	base := strings.TrimRight(configString(cfg, "api_url"), "/")
	if base == "" {
		base = githubAPI
	}
	return fmt.Sprintf("%s/repos/%s/%s", base, configString(cfg, "owner"), configString(cfg, "repo"))
}

func (g *GitHub) request(ctx context.Context, token string) *resty.Request {
	return bearer(g.opts.client().R().SetContext(ctx), token).
		SetHeader("Accept", "application/vnd.github+json").
		SetHeader("X-GitHub-Api-Version", "2022-11-28")
}

// Poll lists issues updated since the cursor, oldest first. The cursor is
// the newest updated_at seen. The since filter is inclusive, so the
// boundary issue comes back and is dropped as a duplicate.
func (g *GitHub) Poll(ctx context.Context, c ingest.Connection, cursor string) (ingest.PollResult, error) {
	req := g.request(ctx, c.Token).
		SetQueryParams(map[string]string{"state": "open", "sort": "updated", "direction": "asc", "per_page": "100"})
	if cursor != "" {
		req.SetQueryParam("since", cursor)
	}
	if labels := configString(c.Monitor.Config, "labels"); labels != "" {
		req.SetQueryParam("labels", labels)
	}
	var issues []json.RawMessage
	resp, err := req.SetResult(&issues).Get(g.repoPath(c.Monitor.Config) + "/issues")
	if err != nil {
		return ingest.PollResult{}, err
	}
	if resp.IsError() {
		return ingest.PollResult{}, statusError(resp)
	}
	res := ingest.PollResult{Cursor: cursor}
	for _, raw := range issues {
		var is githubIssue
		if err := json.Unmarshal(raw, &is); err != nil {
			return ingest.PollResult{}, fmt.Errorf("decode issue: %w", err)
		}
		if is.UpdatedAt > res.Cursor {
			res.Cursor = is.UpdatedAt
		}
		if len(is.PullRequest) > 0 {
			continue
		}
		ev := g.issueEvent(c.Monitor, is, raw)
		ev.ID = fmt.Sprintf("issue:%d:%s", is.ID, is.UpdatedAt)
		res.Events = append(res.Events, ev)
	}
	return res, nil
}

func (g *GitHub) issueEvent(mon domain.Monitor, is githubIssue, raw json.RawMessage) ingest.ProviderEvent {
	labels := make([]string, 0, len(is.Labels))
	for _, l := range is.Labels {
		labels = append(labels, l.Name)
	}
	return ingest.ProviderEvent{
		Type:        "issue",
		Title:       truncate(fmt.Sprintf("#%d %s", is.Number, is.Title), 200),
		Description: is.Body,
		RelatedRef:  is.User.Login,
		Payload:     raw,
		Context: map[string]any{
			"repo":   configString(mon.Config, "owner") + "/" + configString(mon.Config, "repo"),
			"number": is.Number,
			"url":    is.HTMLURL,
			"author": is.User.Login,
			"labels": strings.Join(labels, ","),
		},
	}
}

func (g *GitHub) SetupWebhook(ctx context.Context, c ingest.Connection, url string) (ingest.WebhookRegistration, error) {
	secret, err := newSecret()
	if err != nil {
		return ingest.WebhookRegistration{}, err
	}
	body := map[string]any{
		"name":   "web",
		"active": true,
		"events": []string{"issues", "issue_comment"},
		"config": map[string]string{"url": url, "content_type": "json", "secret": secret},
	}
	var out struct {
		ID int64 `json:"id"`
	}
	resp, err := g.request(ctx, c.Token).SetBody(body).SetResult(&out).Post(g.repoPath(c.Monitor.Config) + "/hooks")
	if err != nil {
		return ingest.WebhookRegistration{}, err
	}
	if resp.IsError() {
		return ingest.WebhookRegistration{}, statusError(resp)
	}
	return ingest.WebhookRegistration{ID: strconv.FormatInt(out.ID, 10), Secret: secret}, nil
}

func (g *GitHub) TeardownWebhook(ctx context.Context, c ingest.Connection, webhookID string) error {
	resp, err := g.request(ctx, c.Token).
		SetPathParam("hook", webhookID).
		Delete(g.repoPath(c.Monitor.Config) + "/hooks/{hook}")
	if err != nil {
		return err
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return statusError(resp)
	}
	return nil
}

type githubDelivery struct {
	Action  string          `json:"action"`
	Issue   json.RawMessage `json:"issue"`
	Comment *struct {
		ID      int64  `json:"id"`
		Body    string `json:"body"`
		HTMLURL string `json:"html_url"`
		User    struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"comment"`
}

// HandleWebhook accepts issues (opened, reopened) and issue_comment (created)
// deliveries signed with X-Hub-Signature-256. Other events are acknowledged
// without producing anything.
func (g *GitHub) HandleWebhook(_ context.Context, mon domain.Monitor, payload []byte, headers http.Header) (ingest.WebhookResult, error) {
	if mon.WebhookSecret == nil || *mon.WebhookSecret == "" {
		return ingest.WebhookResult{}, fmt.Errorf("%w: monitor has no webhook secret", ingest.ErrInvalidSignature)
	}
	if err := verify(headers.Get("X-Hub-Signature-256"), "sha256=", *mon.WebhookSecret, string(payload)); err != nil {
		return ingest.WebhookResult{}, err
	}
	kind := headers.Get("X-GitHub-Event")
	delivery := headers.Get("X-GitHub-Delivery")
	var d githubDelivery
	if err := json.Unmarshal(payload, &d); err != nil {
		return ingest.WebhookResult{}, fmt.Errorf("decode delivery: %w", err)
	}
	var is githubIssue
	if len(d.Issue) > 0 {
		if err := json.Unmarshal(d.Issue, &is); err != nil {
			return ingest.WebhookResult{}, fmt.Errorf("decode issue: %w", err)
		}
	}
	switch {
	case kind == "issues" && (d.Action == "opened" || d.Action == "reopened"):
		if len(is.PullRequest) > 0 {
			return ingest.WebhookResult{}, nil
		}
		ev := g.issueEvent(mon, is, payload)
		ev.ID = fmt.Sprintf("issue:%d:%s", is.ID, is.UpdatedAt)
		if is.UpdatedAt == "" {
			ev.ID = "delivery:" + delivery
		}
		return ingest.WebhookResult{Events: []ingest.ProviderEvent{ev}}, nil
	case kind == "issue_comment" && d.Action == "created" && d.Comment != nil:
		ev := g.issueEvent(mon, is, payload)
		ev.ID = fmt.Sprintf("comment:%d", d.Comment.ID)
		ev.Type = "issue_comment"
		ev.Title = truncate(fmt.Sprintf("Comment on #%d %s", is.Number, is.Title), 200)
		ev.Description = d.Comment.Body
		ev.RelatedRef = d.Comment.User.Login
		ev.Context["url"] = d.Comment.HTMLURL
		ev.Context["author"] = d.Comment.User.Login
		return ingest.WebhookResult{Events: []ingest.ProviderEvent{ev}}, nil
	default:
		g.opts.log().Debug("github delivery ignored",
			zap.String("monitor_id", mon.ID), zap.String("event", kind), zap.String("action", d.Action))
		return ingest.WebhookResult{}, nil
	}
}
