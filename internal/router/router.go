// Package router classifies inbound requests, walks the active routing
// policy's pools, and emits a RoutingDecision for a healthy target.
// Selection mechanics (weighted-random cumulative scan, per-pool rotation
// state) are grounded on the teacher's WeightedRouter.
package router

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/health"
	"github.com/routecodex/routecodex/internal/protocol"
)

// ErrNoHealthyTarget is returned when no category/pool yields a usable
// target, including the default category's pools.
var ErrNoHealthyTarget = errors.New("no healthy target")

// Router is the C7 component: classify -> pool walk -> health gate ->
// RoutingDecision.
type Router struct {
	policy      atomic.Pointer[protocol.RoutingPolicy]
	health      *health.Tracker
	classifier  Classifier
	maxAttempts int

	rrMu    sync.Mutex
	rrState map[string]uint64 // pool id -> next index, for round-robin

	rngMu sync.Mutex
	rng   *rand.Rand

	logger *zap.Logger
}

func New(policy protocol.RoutingPolicy, tracker *health.Tracker, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		health:      tracker,
		classifier:  DefaultClassifier(),
		maxAttempts: 3,
		rrState:     make(map[string]uint64),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:      logger,
	}
	r.policy.Store(&policy)
	return r
}

// SetPolicy atomically replaces the active routing policy. Requests begun
// before the swap keep using the RoutingDecision/Permit they already
// acquired; only subsequent Route calls see the new policy, satisfying
// the reload-atomicity invariant from §5.
func (r *Router) SetPolicy(policy protocol.RoutingPolicy) {
	r.policy.Store(&policy)
}

// Route implements §4.7: classify, walk pools in category order, health-gate
// each candidate, and return a RoutingDecision plus the acquired Permit.
func (r *Router) Route(ctx context.Context, req *protocol.ChatRequest, requestID string) (protocol.RoutingDecision, health.Permit, error) {
	category := r.classifier.Classify(req)
	return r.routeCategory(ctx, category, requestID, 1, nil)
}

// Retry selects the next healthy target in the same category, excluding
// targets already attempted for this request, up to maxAttempts (§4.7).
func (r *Router) Retry(ctx context.Context, decision protocol.RoutingDecision, excluded map[protocol.HealthKey]bool) (protocol.RoutingDecision, health.Permit, error) {
	if decision.Attempt >= r.maxAttempts {
		return protocol.RoutingDecision{}, health.Permit{}, ErrNoHealthyTarget
	}
	return r.routeCategory(ctx, decision.Category, decision.RequestID, decision.Attempt+1, excluded)
}

func (r *Router) routeCategory(ctx context.Context, category protocol.Category, requestID string, attempt int, excluded map[protocol.HealthKey]bool) (protocol.RoutingDecision, health.Permit, error) {
	policy := *r.policy.Load()
	pools := policy[category]
	if category != protocol.CategoryDefault {
		pools = append(append([]protocol.Pool(nil), pools...), policy[protocol.CategoryDefault]...)
	}

	for _, pool := range pools {
		target, permit, ok := r.selectFromPool(pool, excluded)
		if !ok {
			continue
		}
		decision := protocol.RoutingDecision{
			RequestID: requestID,
			Category:  category,
			Target:    target,
			Attempt:   attempt,
		}
		return decision, permit, nil
	}
	return protocol.RoutingDecision{}, health.Permit{}, ErrNoHealthyTarget
}

// selectFromPool applies the pool's mode, skipping health-gated targets.
func (r *Router) selectFromPool(pool protocol.Pool, excluded map[protocol.HealthKey]bool) (protocol.RouteTarget, health.Permit, bool) {
	candidates := make([]protocol.RouteTarget, 0, len(pool.Targets))
	for _, t := range pool.Targets {
		if excluded != nil && excluded[t.HealthKey()] {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return protocol.RouteTarget{}, health.Permit{}, false
	}

	switch pool.Mode {
	case protocol.ModePriority:
		for _, t := range candidates {
			if permit, err := r.health.Acquire(t); err == nil {
				return t, permit, true
			}
		}
	case protocol.ModeRoundRobin:
		start := r.nextRoundRobinIndex(pool.ID, len(candidates))
		for i := 0; i < len(candidates); i++ {
			t := candidates[(start+i)%len(candidates)]
			if permit, err := r.health.Acquire(t); err == nil {
				return t, permit, true
			}
		}
	case protocol.ModeWeighted:
		healthy := make([]protocol.RouteTarget, 0, len(candidates))
		for _, t := range candidates {
			if !r.health.View(t).Banned(time.Now()) {
				healthy = append(healthy, t)
			}
		}
		for _, t := range r.weightedOrder(healthy) {
			if permit, err := r.health.Acquire(t); err == nil {
				return t, permit, true
			}
		}
	}
	return protocol.RouteTarget{}, health.Permit{}, false
}

func (r *Router) nextRoundRobinIndex(poolID string, n int) int {
	r.rrMu.Lock()
	defer r.rrMu.Unlock()
	idx := r.rrState[poolID]
	r.rrState[poolID] = idx + 1
	return int(idx % uint64(n))
}

// weightedOrder returns targets in a random permutation weighted equally
// (no per-target weight is specified in the spec's RouteTarget beyond
// pool membership), by repeated weighted-random draw without replacement,
// mirroring the teacher's cumulative-weight scan.
func (r *Router) weightedOrder(targets []protocol.RouteTarget) []protocol.RouteTarget {
	remaining := append([]protocol.RouteTarget(nil), targets...)
	order := make([]protocol.RouteTarget, 0, len(remaining))
	for len(remaining) > 0 {
		r.rngMu.Lock()
		idx := r.rng.Intn(len(remaining))
		r.rngMu.Unlock()
		order = append(order, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return order
}
