package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskline/internal/domain"
	"deskline/internal/engine"
	"deskline/internal/repo"
)

func (env testEnv) working(t *testing.T, title, worker string) domain.WorkItem {
	t.Helper()
	it := env.create(t, title, 1)
	started, err := env.Engine.StartItem(env.Ctx, tenant, it.ID, worker)
	require.NoError(t, err)
	return started
}

func TestBlockCreatesQuestionAndParksItem(t *testing.T) {
	env := newTestEnv(t)
	it := env.working(t, "migrate db", "w1")

	res, err := env.Engine.Block(env.Ctx, tenant, it.ID, engine.BlockRequest{
		Question:       "Which region?",
		Why:            "two candidates",
		WhatWillBeDone: "migrate the chosen one",
		Priority:       2,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBlocked, res.Item.Status)
	assert.Nil(t, res.Item.WorkerID)
	require.NotNil(t, res.Item.BlockingQuestionID)
	assert.Equal(t, res.Question.ID, *res.Item.BlockingQuestionID)
	assert.Equal(t, domain.QuestionUnanswered, res.Question.Status)
	assert.Equal(t, "two candidates", res.Question.Context)
	assert.Equal(t, []string{it.ID}, res.Question.ItemIDs)

	// blocked items are invisible to claimers
	assert.Nil(t, env.claim(t, "w2"))
}

func TestBlockRequiresWorkingAndLeavesNoQuestion(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, "queued", 1)
	_, err := env.Engine.Block(env.Ctx, tenant, it.ID, engine.BlockRequest{Question: "?"})
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)

	qs, err := env.Engine.ListQuestions(env.Ctx, repo.QuestionFilters{TenantID: tenant})
	require.NoError(t, err)
	assert.Empty(t, qs)
}

func TestAnswerUnblocksEveryWaitingItem(t *testing.T) {
	env := newTestEnv(t)
	a := env.working(t, "a", "w1")
	b := env.working(t, "b", "w2")

	res, err := env.Engine.Block(env.Ctx, tenant, a.ID, engine.BlockRequest{Question: "Approve spend?"})
	require.NoError(t, err)
	_, err = env.Engine.Block(env.Ctx, tenant, b.ID, engine.BlockRequest{QuestionID: res.Question.ID})
	require.NoError(t, err)

	qn, err := env.Engine.GetQuestion(env.Ctx, tenant, res.Question.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, qn.ItemIDs)

	ids, err := env.Engine.Answer(env.Ctx, tenant, res.Question.ID, "yes, up to $500", "manager")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	for _, id := range ids {
		it, err := env.Engine.GetItem(env.Ctx, tenant, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusQueued, it.Status)
		assert.Nil(t, it.BlockingQuestionID)
	}
	qn, err = env.Engine.GetQuestion(env.Ctx, tenant, res.Question.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QuestionAnswered, qn.Status)
	assert.Equal(t, "manager", *qn.AnsweredBy)
	assert.NotNil(t, qn.ResolvedAt)

	_, err = env.Engine.Answer(env.Ctx, tenant, res.Question.ID, "again", "manager")
	assert.ErrorIs(t, err, engine.ErrAlreadyAnswered)
}

func TestAnswerLeavesCancelledItemsAlone(t *testing.T) {
	env := newTestEnv(t)
	it := env.working(t, "a", "w1")
	res, err := env.Engine.Block(env.Ctx, tenant, it.ID, engine.BlockRequest{Question: "continue?"})
	require.NoError(t, err)
	_, err = env.Engine.CancelItem(env.Ctx, tenant, it.ID, "ops")
	require.NoError(t, err)

	ids, err := env.Engine.Answer(env.Ctx, tenant, res.Question.ID, "yes", "ops")
	require.NoError(t, err)
	assert.Empty(t, ids)
	stored, err := env.Engine.GetItem(env.Ctx, tenant, it.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, stored.Status)
}

func TestAnswerLeavesItemsBlockedElsewhere(t *testing.T) {
	env := newTestEnv(t)
	it := env.working(t, "a", "w1")
	first, err := env.Engine.Block(env.Ctx, tenant, it.ID, engine.BlockRequest{Question: "first?"})
	require.NoError(t, err)
	_, err = env.Engine.UnblockItem(env.Ctx, tenant, it.ID, "ops")
	require.NoError(t, err)
	_, err = env.Engine.StartItem(env.Ctx, tenant, it.ID, "w1")
	require.NoError(t, err)
	second, err := env.Engine.Block(env.Ctx, tenant, it.ID, engine.BlockRequest{Question: "second?"})
	require.NoError(t, err)

	ids, err := env.Engine.Answer(env.Ctx, tenant, first.Question.ID, "ok", "ops")
	require.NoError(t, err)
	assert.Empty(t, ids)
	stored, err := env.Engine.GetItem(env.Ctx, tenant, it.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBlocked, stored.Status)
	assert.Equal(t, second.Question.ID, *stored.BlockingQuestionID)
}

func TestDismissNeverUnblocks(t *testing.T) {
	env := newTestEnv(t)
	it := env.working(t, "a", "w1")
	res, err := env.Engine.Block(env.Ctx, tenant, it.ID, engine.BlockRequest{Question: "really?"})
	require.NoError(t, err)

	qn, err := env.Engine.Dismiss(env.Ctx, tenant, res.Question.ID, "duplicate", "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.QuestionDismissed, qn.Status)
	assert.Equal(t, "duplicate", *qn.DismissReason)

	stored, err := env.Engine.GetItem(env.Ctx, tenant, it.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBlocked, stored.Status)

	_, err = env.Engine.Dismiss(env.Ctx, tenant, res.Question.ID, "again", "ops")
	assert.ErrorIs(t, err, engine.ErrAlreadyAnswered)
	_, err = env.Engine.Answer(env.Ctx, tenant, res.Question.ID, "late", "ops")
	assert.ErrorIs(t, err, engine.ErrAlreadyAnswered)
}

func TestBlockOnResolvedQuestionFails(t *testing.T) {
	env := newTestEnv(t)
	qn, err := env.Engine.CreateQuestion(env.Ctx, engine.QuestionCreateOptions{TenantID: tenant, Text: "standalone"})
	require.NoError(t, err)
	_, err = env.Engine.Answer(env.Ctx, tenant, qn.ID, "done", "ops")
	require.NoError(t, err)

	it := env.working(t, "a", "w1")
	_, err = env.Engine.Block(env.Ctx, tenant, it.ID, engine.BlockRequest{QuestionID: qn.ID})
	assert.ErrorIs(t, err, engine.ErrAlreadyAnswered)
	stored, err := env.Engine.GetItem(env.Ctx, tenant, it.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWorking, stored.Status)
}

func TestCreateQuestionLinksWithoutBlocking(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, "context only", 2)
	qn, err := env.Engine.CreateQuestion(env.Ctx, engine.QuestionCreateOptions{TenantID: tenant, Text: "fyi?", ItemIDs: []string{it.ID}})
	require.NoError(t, err)
	assert.Equal(t, []string{it.ID}, qn.ItemIDs)

	ids, err := env.Engine.Answer(env.Ctx, tenant, qn.ID, "noted", "ops")
	require.NoError(t, err)
	assert.Empty(t, ids)
	stored, err := env.Engine.GetItem(env.Ctx, tenant, it.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, stored.Status)

	_, err = env.Engine.CreateQuestion(env.Ctx, engine.QuestionCreateOptions{TenantID: tenant, Text: "x", ItemIDs: []string{"missing"}})
	assert.ErrorIs(t, err, engine.ErrNotFound)

	byItem, err := env.Engine.ListQuestions(env.Ctx, repo.QuestionFilters{TenantID: tenant, ItemID: it.ID})
	require.NoError(t, err)
	assert.Len(t, byItem, 1)
}
