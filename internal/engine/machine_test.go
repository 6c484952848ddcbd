package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskline/internal/domain"
)

const ts = "2024-01-01T00:00:00.000000000Z"

func strPtr(s string) *string { return &s }

func itemIn(status domain.Status) domain.WorkItem {
	it := domain.WorkItem{ID: "i1", TenantID: "t", Status: status, Priority: 3}
	switch status {
	case domain.StatusWorking:
		it.WorkerID = strPtr("w1")
	case domain.StatusBlocked:
		it.BlockingQuestionID = strPtr("q1")
	}
	return it
}

func TestTransitionTable(t *testing.T) {
	ops := map[string]func(it *domain.WorkItem) error{
		"start":    func(it *domain.WorkItem) error { return Start(it, "w2", ts) },
		"complete": func(it *domain.WorkItem) error { return Complete(it, map[string]any{"ok": true}, ts) },
		"block":    func(it *domain.WorkItem) error { return Block(it, "q2", ts) },
		"unblock":  func(it *domain.WorkItem) error { return Unblock(it, ts) },
		"fail":     func(it *domain.WorkItem) error { return Fail(it, "boom", false, ts) },
		"retry":    func(it *domain.WorkItem) error { return Fail(it, "boom", true, ts) },
		"cancel":   func(it *domain.WorkItem) error { return Cancel(it, ts) },
	}
	allowed := map[domain.Status]map[string]domain.Status{
		domain.StatusQueued:  {"start": domain.StatusWorking, "cancel": domain.StatusCancelled},
		domain.StatusWorking: {"complete": domain.StatusCompleted, "block": domain.StatusBlocked, "fail": domain.StatusFailed, "retry": domain.StatusQueued, "cancel": domain.StatusCancelled},
		domain.StatusBlocked: {"unblock": domain.StatusQueued, "cancel": domain.StatusCancelled},
	}
	for _, from := range domain.Statuses {
		for name, op := range ops {
			it := itemIn(from)
			before := it
			err := op(&it)
			want, ok := allowed[from][name]
			if !ok {
				require.Error(t, err, "%s from %s", name, from)
				assert.True(t, errors.Is(err, ErrInvalidTransition), "%s from %s: %v", name, from, err)
				var te *TransitionError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, from, te.From)
				assert.Equal(t, before, it, "rejected %s from %s must not mutate", name, from)
				continue
			}
			require.NoError(t, err, "%s from %s", name, from)
			assert.Equal(t, want, it.Status, "%s from %s", name, from)
			assert.Equal(t, it.Status == domain.StatusWorking, it.WorkerID != nil, "worker iff working after %s from %s", name, from)
			assert.Equal(t, it.Status == domain.StatusBlocked, it.BlockingQuestionID != nil, "question iff blocked after %s from %s", name, from)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, IsTerminal(domain.StatusCompleted))
	assert.True(t, IsTerminal(domain.StatusFailed))
	assert.True(t, IsTerminal(domain.StatusCancelled))
	assert.False(t, IsTerminal(domain.StatusQueued))
	assert.False(t, IsTerminal(domain.StatusWorking))
	assert.False(t, IsTerminal(domain.StatusBlocked))
}

func TestFailRecordsAttempt(t *testing.T) {
	it := itemIn(domain.StatusWorking)
	it.StartedAt = strPtr(ts)
	require.NoError(t, Fail(&it, "timeout", true, ts))
	assert.Equal(t, domain.StatusQueued, it.Status)
	assert.Equal(t, 1, it.Attempts)
	assert.Equal(t, "timeout", *it.LastError)
	assert.Nil(t, it.StartedAt)
	assert.Nil(t, it.CompletedAt)

	require.NoError(t, Start(&it, "w3", ts))
	require.NoError(t, Fail(&it, "fatal", false, ts))
	assert.Equal(t, domain.StatusFailed, it.Status)
	assert.Equal(t, 2, it.Attempts)
	assert.NotNil(t, it.CompletedAt)
}

func TestCompleteSetsOutput(t *testing.T) {
	it := itemIn(domain.StatusWorking)
	require.NoError(t, Complete(&it, map[string]any{"pr": "42"}, ts))
	assert.Equal(t, "42", it.Output["pr"])
	assert.Equal(t, ts, *it.CompletedAt)
}
