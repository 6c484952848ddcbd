package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"deskline/internal/domain"
	"deskline/internal/events"
	"deskline/internal/repo"
)

// ClaimNext atomically takes the most urgent queued item of the class for
// workerID. It returns nil, nil when nothing is eligible.
//
// Selection and marking happen in one UPDATE, so two claimers can never get
// the same item. When the statement takes nothing while eligible rows remain,
// another claimer won the row; ClaimNext retries and gives up with
// ErrConflictingClaim after claim.max_retries attempts.
func (e Engine) ClaimNext(ctx context.Context, tenantID, workerID string, class domain.AssigneeClass) (*domain.WorkItem, error) {
	if tenantID == "" {
		return nil, invalidInput("tenant is required")
	}
	if workerID == "" {
		return nil, invalidInput("worker is required")
	}
	if class == "" {
		class = domain.AssigneeAgent
	}
	if !class.Valid() {
		return nil, invalidInput("unknown assignee class %q", class)
	}
	attempts := e.Config.Claim.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		it, err := e.claimOnce(ctx, tenantID, workerID, class)
		if err == nil {
			e.Publish(ctx, itemNotice(events.ItemClaimed, it))
			return &it, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		remaining, err := e.Repo.CountEligible(ctx, nil, tenantID, class)
		if err != nil {
			return nil, err
		}
		if remaining == 0 {
			return nil, nil
		}
		e.log().Debug("claim lost race, retrying",
			zap.String("tenant_id", tenantID), zap.String("worker_id", workerID), zap.Int("attempt", i+1))
	}
	return nil, fmt.Errorf("%w: no item taken after %d attempts", ErrConflictingClaim, attempts)
}

func (e Engine) claimOnce(ctx context.Context, tenantID, workerID string, class domain.AssigneeClass) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	it, err := e.Repo.ClaimNext(ctx, tx, tenantID, workerID, class, e.nowString())
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.audit().Append(ctx, tx, events.ItemClaimed, tenantID, "item", it.ID, workerID,
		events.EventPayload{"from": domain.StatusQueued, "to": it.Status, "version": it.Version, "worker_id": workerID}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return it, nil
}

// Project and Person are what a Directory knows about an item's project.
type Project struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type Person struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Role  string `json:"role,omitempty" yaml:"role,omitempty"`
	Email string `json:"email,omitempty" yaml:"email,omitempty"`
}

// Directory resolves project and people records from an external system.
type Directory interface {
	Project(ctx context.Context, tenantID, projectID string) (*Project, error)
	People(ctx context.Context, tenantID, projectID string) ([]Person, error)
}

// StaticDirectory serves projects from memory, keyed by tenant then project id.
type StaticDirectory struct {
	Projects map[string]map[string]Project  `yaml:"projects"`
	Members  map[string]map[string][]Person `yaml:"members"`
}

func (d StaticDirectory) Project(_ context.Context, tenantID, projectID string) (*Project, error) {
	p, ok := d.Projects[tenantID][projectID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (d StaticDirectory) People(_ context.Context, tenantID, projectID string) ([]Person, error) {
	return d.Members[tenantID][projectID], nil
}

// WorkContext is a claimed item plus what a worker needs to act on it.
type WorkContext struct {
	Item      domain.WorkItem   `json:"item"`
	Project   *Project          `json:"project,omitempty"`
	People    []Person          `json:"people,omitempty"`
	History   []domain.WorkItem `json:"history,omitempty"`
	Playbooks []PlaybookMatch   `json:"playbooks,omitempty"`
}

// GetNextWithContext claims like ClaimNext and enriches the result. The claim
// stands even when enrichment fails; failures are only logged.
func (e Engine) GetNextWithContext(ctx context.Context, tenantID, workerID string, class domain.AssigneeClass) (*WorkContext, error) {
	it, err := e.ClaimNext(ctx, tenantID, workerID, class)
	if err != nil || it == nil {
		return nil, err
	}
	wc := &WorkContext{Item: *it}
	log := e.log().With(zap.String("tenant_id", tenantID), zap.String("item_id", it.ID))

	if it.ProjectID != nil {
		projectID := *it.ProjectID
		if e.Directory != nil {
			if p, err := e.Directory.Project(ctx, tenantID, projectID); err != nil {
				log.Warn("project lookup failed", zap.String("project_id", projectID), zap.Error(err))
			} else {
				wc.Project = p
			}
			if people, err := e.Directory.People(ctx, tenantID, projectID); err != nil {
				log.Warn("people lookup failed", zap.String("project_id", projectID), zap.Error(err))
			} else {
				wc.People = people
			}
		}
		history, err := e.Repo.RecentCompleted(ctx, nil, tenantID, projectID, it.ID, e.Config.Claim.HistoryLimit)
		if err != nil {
			log.Warn("history lookup failed", zap.Error(err))
		} else {
			wc.History = history
		}
	}

	matches, err := e.MatchPlaybooks(ctx, tenantID, *it, e.Config.Claim.PlaybookLimit)
	if err != nil {
		log.Warn("playbook match failed", zap.Error(err))
	} else {
		wc.Playbooks = matches
	}
	return wc, nil
}
