package router

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"deskline/internal/domain"
	"deskline/internal/repo"
)

func sp(s string) *string { return &s }

func sampleItem() domain.WorkItem {
	return domain.WorkItem{
		ID:            "i1",
		TenantID:      "t",
		Title:         "Payment FAILED for order 991",
		Description:   "card declined",
		Priority:      2,
		Status:        domain.StatusQueued,
		AssigneeClass: domain.AssigneeHuman,
		ProjectID:     sp("billing"),
		RelatedRef:    sp("cust-7"),
		Context:       map[string]any{"region": "EU", "amount": float64(120), "tier": "gold"},
	}
}

func TestFieldResolution(t *testing.T) {
	f := Fields{Item: sampleItem(), Related: map[string]string{"segment": "enterprise", "tier": "silver"}}
	assert.Equal(t, "2", f.Get("priority"))
	assert.Equal(t, "human", f.Get("assignee_class"))
	assert.Equal(t, "billing", f.Get("project_id"))
	assert.Equal(t, "", f.Get("desk_id"))
	assert.Equal(t, "EU", f.Get("context.region"))
	assert.Equal(t, "120", f.Get("context.amount"))
	assert.Equal(t, "enterprise", f.Get("related.segment"))
	// bare keys prefer context over the related record
	assert.Equal(t, "gold", f.Get("tier"))
	assert.Equal(t, "enterprise", f.Get("segment"))
	assert.Equal(t, "", f.Get("nope"))
}

func TestOperators(t *testing.T) {
	p := &patterns{}
	f := Fields{Item: sampleItem()}
	cases := []struct {
		name string
		rule domain.RoutingRule
		want bool
	}{
		{"equals ignores case", domain.RoutingRule{Field: "context.region", Operator: domain.OpEquals, Value: "eu"}, true},
		{"equals mismatch", domain.RoutingRule{Field: "context.region", Operator: domain.OpEquals, Value: "us"}, false},
		{"in values", domain.RoutingRule{Field: "project_id", Operator: domain.OpIn, Values: []string{"support", "BILLING"}}, true},
		{"in comma value", domain.RoutingRule{Field: "project_id", Operator: domain.OpIn, Value: "support, billing"}, true},
		{"in miss", domain.RoutingRule{Field: "project_id", Operator: domain.OpIn, Values: []string{"support"}}, false},
		{"contains", domain.RoutingRule{Field: "title", Operator: domain.OpContains, Value: "failed"}, true},
		{"contains miss", domain.RoutingRule{Field: "description", Operator: domain.OpContains, Value: "refund"}, false},
		{"regex", domain.RoutingRule{Field: "title", Operator: domain.OpRegex, Value: `order \d+$`}, true},
		{"regex ignores case", domain.RoutingRule{Field: "title", Operator: domain.OpRegex, Value: `^payment`}, true},
		{"missing field equals empty", domain.RoutingRule{Field: "context.absent", Operator: domain.OpEquals, Value: ""}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := p.Evaluate(tc.rule, f)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMalformedRulesNeverMatch(t *testing.T) {
	p := &patterns{}
	f := Fields{Item: sampleItem()}
	got, err := p.Evaluate(domain.RoutingRule{Field: "title", Operator: domain.OpRegex, Value: "(["}, f)
	assert.False(t, got)
	assert.True(t, errors.Is(err, ErrInvalidRule))

	got, err = p.Evaluate(domain.RoutingRule{Field: "title", Operator: "startswith", Value: "pay"}, f)
	assert.False(t, got)
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestMatchIsConjunctiveAndOrdered(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := New(repo.Repo{}, nil, zap.New(core))
	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	desks := []domain.Desk{
		{ID: "broken", Name: "Broken", Active: true, Priority: 30, Rules: []domain.RoutingRule{{Field: "title", Operator: domain.OpRegex, Value: "(["}}},
		{ID: "eu-billing", Name: "EU Billing", Active: true, Priority: 20, Rules: []domain.RoutingRule{
			{Field: "project_id", Operator: domain.OpEquals, Value: "billing"},
			{Field: "context.region", Operator: domain.OpEquals, Value: "US"},
		}},
		{ID: "off", Name: "Off", Active: false, Priority: 15},
		{ID: "billing", Name: "Billing", Active: true, Priority: 10, Rules: []domain.RoutingRule{
			{Field: "project_id", Operator: domain.OpEquals, Value: "billing"},
		}},
		{ID: "catch-all", Name: "Everything", Active: true, Priority: 0},
	}
	res := r.Match(desks, sampleItem(), nil, now)
	require.NotNil(t, res)
	assert.Equal(t, "billing", res.DeskID)
	assert.True(t, res.Covered)
	assert.Equal(t, 1, logs.FilterMessage("routing rule skipped").Len())

	other := sampleItem()
	other.ProjectID = sp("marketing")
	res = r.Match(desks, other, nil, now)
	require.NotNil(t, res)
	assert.Equal(t, "catch-all", res.DeskID)

	assert.Nil(t, r.Match(desks[:3], other, nil, now))
}

func nyDesk() domain.Desk {
	return domain.Desk{ID: "ny", Name: "New York", Active: true, Schedules: []domain.CoverageSchedule{
		{Day: "monday", Start: "09:00", End: "17:00", TZ: "America/New_York"},
	}}
}

func TestCoverageUsesScheduleZone(t *testing.T) {
	desk := nyDesk()
	// Monday 2024-03-04 12:00 in New York (EST, UTC-5)
	assert.True(t, IsCovered(desk, time.Date(2024, 3, 4, 17, 0, 0, 0, time.UTC)))
	// Monday 20:00 in New York is already Tuesday in UTC
	assert.False(t, IsCovered(desk, time.Date(2024, 3, 5, 1, 0, 0, 0, time.UTC)))
	// bounds are inclusive
	assert.True(t, IsCovered(desk, time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)))
	assert.True(t, IsCovered(desk, time.Date(2024, 3, 4, 22, 0, 0, 0, time.UTC)))
	assert.False(t, IsCovered(desk, time.Date(2024, 3, 4, 22, 1, 0, 0, time.UTC)))
	// Tuesday noon
	assert.False(t, IsCovered(desk, time.Date(2024, 3, 5, 17, 0, 0, 0, time.UTC)))
}

func TestCoverageEdgeCases(t *testing.T) {
	assert.True(t, IsCovered(domain.Desk{}, time.Now()), "no schedules means always covered")

	bad := domain.Desk{Schedules: []domain.CoverageSchedule{{Day: "Monday", Start: "09:00", End: "17:00", TZ: "Mars/Olympus"}}}
	assert.True(t, IsCovered(bad, time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)), "unknown zone falls back to UTC")
	assert.False(t, IsCovered(bad, time.Date(2024, 3, 4, 18, 0, 0, 0, time.UTC)))
}

func TestRouteReportsUncoveredDesk(t *testing.T) {
	r := New(repo.Repo{}, nil, nil)
	evening := time.Date(2024, 3, 5, 1, 0, 0, 0, time.UTC)
	res := r.Match([]domain.Desk{nyDesk()}, sampleItem(), nil, evening)
	require.NotNil(t, res)
	assert.Equal(t, "ny", res.DeskID)
	assert.False(t, res.Covered)
}

func TestValidateDesk(t *testing.T) {
	assert.NoError(t, validateDesk("ok", []domain.RoutingRule{{Field: "title", Operator: domain.OpContains, Value: "x"}}, nyDesk().Schedules))
	assert.ErrorIs(t, validateDesk("", nil, nil), ErrInvalidDesk)
	assert.ErrorIs(t, validateDesk("x", []domain.RoutingRule{{Field: "title", Operator: "like"}}, nil), ErrInvalidRule)
	assert.ErrorIs(t, validateDesk("x", []domain.RoutingRule{{Field: "title", Operator: domain.OpIn}}, nil), ErrInvalidRule)
	assert.Error(t, validateDesk("x", nil, []domain.CoverageSchedule{{Day: "funday", Start: "09:00", End: "10:00"}}))
	assert.Error(t, validateDesk("x", nil, []domain.CoverageSchedule{{Day: "monday", Start: "9am", End: "10:00"}}))
	assert.Error(t, validateDesk("x", nil, []domain.CoverageSchedule{{Day: "monday", Start: "18:00", End: "10:00"}}))
}
