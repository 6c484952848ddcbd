package engine

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/google/uuid"

	"deskline/internal/domain"
	"deskline/internal/events"
)

type PlaybookCreateOptions struct {
	TenantID string
	Name     string
	Keywords []string
	Body     string
	ActorID  string
}

func (e Engine) CreatePlaybook(ctx context.Context, opts PlaybookCreateOptions) (domain.Playbook, error) {
	if opts.TenantID == "" {
		return domain.Playbook{}, invalidInput("tenant is required")
	}
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Playbook{}, invalidInput("name is required")
	}
	var keywords []string
	for _, k := range opts.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	if len(keywords) == 0 {
		return domain.Playbook{}, invalidInput("at least one keyword is required")
	}
	p := domain.Playbook{
		ID:        uuid.NewString(),
		TenantID:  opts.TenantID,
		Name:      strings.TrimSpace(opts.Name),
		Keywords:  keywords,
		Body:      opts.Body,
		CreatedAt: e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Playbook{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPlaybook(ctx, tx, p); err != nil {
		return domain.Playbook{}, err
	}
	if err := e.audit().Append(ctx, tx, events.PlaybookCreated, p.TenantID, "playbook", p.ID, opts.ActorID, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Playbook{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Playbook{}, err
	}
	return p, nil
}

func (e Engine) ListPlaybooks(ctx context.Context, tenantID string) ([]domain.Playbook, error) {
	return e.Repo.ListPlaybooks(ctx, nil, tenantID)
}

func (e Engine) DeletePlaybook(ctx context.Context, tenantID, id, actorID string) error {
	return e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.DeletePlaybook(ctx, tx, tenantID, id); err != nil {
			return err
		}
		return e.audit().Append(ctx, tx, events.PlaybookDeleted, tenantID, "playbook", id, actorID, nil)
	})
}

// PlaybookMatch is a playbook with the number of its keywords found in an item.
type PlaybookMatch struct {
	Playbook domain.Playbook `json:"playbook"`
	Score    int             `json:"score"`
}

// MatchPlaybooks scores the tenant's playbooks against the item's title and
// description and returns the best limit of them, highest score first.
func (e Engine) MatchPlaybooks(ctx context.Context, tenantID string, it domain.WorkItem, limit int) ([]PlaybookMatch, error) {
	if limit <= 0 {
		return nil, nil
	}
	books, err := e.Repo.ListPlaybooks(ctx, nil, tenantID)
	if err != nil {
		return nil, err
	}
	return ScorePlaybooks(books, it, limit), nil
}

func ScorePlaybooks(books []domain.Playbook, it domain.WorkItem, limit int) []PlaybookMatch {
	text := strings.ToLower(it.Title + " " + it.Description)
	var matches []PlaybookMatch
	for _, b := range books {
		score := 0
		for _, k := range b.Keywords {
			if k != "" && strings.Contains(text, strings.ToLower(k)) {
				score++
			}
		}
		if score > 0 {
			matches = append(matches, PlaybookMatch{Playbook: b, Score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Playbook.Name < matches[j].Playbook.Name
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}
