package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/routecodex/routecodex/internal/health"
	"github.com/routecodex/routecodex/internal/protocol"
)

func samplePolicy() protocol.RoutingPolicy {
	return protocol.RoutingPolicy{
		protocol.CategoryDefault: {
			{ID: "primary", Mode: protocol.ModePriority, Targets: []protocol.RouteTarget{
				{ProviderID: "openai", ModelID: "gpt-4o-mini", KeyAlias: "key1"},
				{ProviderID: "openai", ModelID: "gpt-4o-mini", KeyAlias: "key2"},
			}},
		},
		protocol.CategoryTools: {
			{ID: "t", Mode: protocol.ModeRoundRobin, Targets: []protocol.RouteTarget{
				{ProviderID: "openai", ModelID: "gpt-4o-mini", KeyAlias: "key1"},
			}},
		},
	}
}

func TestRouter_DefaultCategoryPriority(t *testing.T) {
	tracker := health.NewTracker(health.DefaultConfig(), nil)
	r := New(samplePolicy(), tracker, nil)

	req := &protocol.ChatRequest{Model: "gpt-4o-mini", Messages: []protocol.Message{{Role: protocol.RoleUser, Content: "hi"}}}
	decision, permit, err := r.Route(context.Background(), req, "req-1")
	require.NoError(t, err)
	require.Equal(t, protocol.CategoryDefault, decision.Category)
	require.Equal(t, "key1", decision.Target.KeyAlias)
	require.Equal(t, decision.Target, permit.Target)
}

func TestRouter_ToolsClassification(t *testing.T) {
	tracker := health.NewTracker(health.DefaultConfig(), nil)
	r := New(samplePolicy(), tracker, nil)

	req := &protocol.ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []protocol.Message{{Role: protocol.RoleUser, Content: "what's the weather"}},
		Tools:    []protocol.Tool{{Type: "function", Function: protocol.ToolFunction{Name: "get_weather"}}},
	}
	decision, _, err := r.Route(context.Background(), req, "req-2")
	require.NoError(t, err)
	require.Equal(t, protocol.CategoryTools, decision.Category)
}

func TestRouter_NoHealthyTarget(t *testing.T) {
	tracker := health.NewTracker(health.DefaultConfig(), nil)
	policy := protocol.RoutingPolicy{
		protocol.CategoryDefault: {
			{ID: "primary", Mode: protocol.ModePriority, Targets: []protocol.RouteTarget{
				{ProviderID: "openai", ModelID: "gpt-4o-mini", KeyAlias: "key1"},
			}},
		},
	}
	target := policy[protocol.CategoryDefault][0].Targets[0]
	for i := 0; i < 3; i++ {
		permit, _ := tracker.Acquire(target)
		tracker.Report(permit, health.Outcome{Success: false, StatusCode: 403})
	}

	r := New(policy, tracker, nil)
	req := &protocol.ChatRequest{Model: "gpt-4o-mini", Messages: []protocol.Message{{Role: protocol.RoleUser, Content: "hi"}}}
	_, _, err := r.Route(context.Background(), req, "req-3")
	require.ErrorIs(t, err, ErrNoHealthyTarget)
}

func TestRouter_RetryExcludesFailedTarget(t *testing.T) {
	tracker := health.NewTracker(health.DefaultConfig(), nil)
	r := New(samplePolicy(), tracker, nil)

	req := &protocol.ChatRequest{Model: "gpt-4o-mini", Messages: []protocol.Message{{Role: protocol.RoleUser, Content: "hi"}}}
	decision, _, err := r.Route(context.Background(), req, "req-4")
	require.NoError(t, err)

	excluded := map[protocol.HealthKey]bool{decision.Target.HealthKey(): true}
	retryDecision, _, err := r.Retry(context.Background(), decision, excluded)
	require.NoError(t, err)
	require.Equal(t, "key2", retryDecision.Target.KeyAlias)
	require.Equal(t, 2, retryDecision.Attempt)
}
