// Package health tracks per-(providerId, keyAlias) outcomes: consecutive
// error bans, the 429 backoff ladder, quota views, and key blacklisting.
// It is the sole owner of HealthRecord state; pipelines query it
// read-only and report outcomes through a narrow mutation API.
package health

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/protocol"
)

// Outcome is what a pipeline reports back after using a Permit.
type Outcome struct {
	Success    bool
	StatusCode int
	Headers    http.Header
	Timeout    bool
}

// View is the read-only snapshot the router's health gate consults.
type View struct {
	ConsecutiveErrors int
	BanUntil          time.Time
	BanReason         string
	RateLimitStep     int
	QuotaRemaining    int
	QuotaResetAt      time.Time
	Blacklisted       bool
}

// Banned reports whether the target is currently excluded from selection.
func (v View) Banned(now time.Time) bool {
	return now.Before(v.BanUntil) || v.Blacklisted
}

// Permit is returned by Acquire and must be passed back to Report.
type Permit struct {
	Target     protocol.RouteTarget
	AcquiredAt time.Time
}

// Config holds the ladder/threshold parameters, all with spec defaults.
type Config struct {
	FatalThreshold    int
	FatalBanMs        time.Duration
	FatalStatusCodes  map[int]bool
	Schedule          []time.Duration
	DefaultBanMs      time.Duration
	ResetWindow       time.Duration
	BlacklistWindow   time.Duration
	BlacklistDuration time.Duration
	BlacklistTrigger  int
}

func DefaultConfig() Config {
	return Config{
		FatalThreshold:    3,
		FatalBanMs:        2 * time.Minute,
		FatalStatusCodes:  map[int]bool{403: true},
		Schedule:          []time.Duration{5 * time.Minute, time.Hour, 6 * time.Hour, 24 * time.Hour},
		DefaultBanMs:      30 * time.Second,
		ResetWindow:       24 * time.Hour,
		BlacklistWindow:   time.Minute,
		BlacklistDuration: 30 * time.Minute,
		BlacklistTrigger:  3,
	}
}

type record struct {
	mu                 sync.Mutex
	consecutiveErrors  int
	lastErrorAt        time.Time
	lastStatusCode     int
	banUntil           time.Time
	banReason          string
	rateLimitStep      int
	rateLimitLastHitAt time.Time
	quotaRemaining     int
	quotaResetAt       time.Time
	recent429          []time.Time
	blacklistUntil     time.Time
	lastSuccessOrReset time.Time
}

// Tracker is the health & admission tracker (C5). Grounded on the
// teacher's WeightedRouter/HealthChecker record shape and the
// circuitbreaker state-machine discipline, with gobreaker taking over as
// the fast-fail layer used by the pipeline's provider adapter stage.
type Tracker struct {
	mu       sync.RWMutex
	records  map[protocol.HealthKey]*record
	breakers map[protocol.HealthKey]*gobreaker.CircuitBreaker
	cfg      Config
	logger   *zap.Logger
}

func NewTracker(cfg Config, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		records:  make(map[protocol.HealthKey]*record),
		breakers: make(map[protocol.HealthKey]*gobreaker.CircuitBreaker),
		cfg:      cfg,
		logger:   logger,
	}
}

func (t *Tracker) recordFor(k protocol.HealthKey) *record {
	t.mu.RLock()
	r, ok := t.records[k]
	t.mu.RUnlock()
	if ok {
		return r
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[k]; ok {
		return r
	}
	r = &record{lastSuccessOrReset: time.Now()}
	t.records[k] = r
	return r
}

// Breaker returns the gobreaker instance for a target, constructing it on
// first use. The provider adapter stage wraps its upstream HTTP call with
// this breaker as a fast-fail layer underneath the ladder above.
func (t *Tracker) Breaker(k protocol.HealthKey) *gobreaker.CircuitBreaker {
	t.mu.RLock()
	b, ok := t.breakers[k]
	t.mu.RUnlock()
	if ok {
		return b
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.breakers[k]; ok {
		return b
	}
	b = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        k.ProviderID + "/" + k.KeyAlias,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	t.breakers[k] = b
	return b
}

// Acquire implements §4.5's acquire: Permit | Busy(retryAfter) | Banned(reason).
func (t *Tracker) Acquire(target protocol.RouteTarget) (Permit, error) {
	k := target.HealthKey()
	r := t.recordFor(k)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	t.maybeResetLocked(r, now)

	// The effective deadline is the later of the ladder ban and the
	// blacklist ban (DESIGN.md, Open Question decision 2: banUntil =
	// max(rateLimitBan, blacklistBan)) — a short blacklist window must never cut a longer
	// ladder ban short just because it's checked first.
	deadline := r.banUntil
	kind := protocol.KindTargetBanned
	reason := r.banReason
	if r.banReason == "rate-limited" {
		kind = protocol.KindTargetRateLimited
	}
	if r.blacklistUntil.After(deadline) {
		deadline = r.blacklistUntil
		kind = protocol.KindTargetQuotaExhausted
		reason = "credential blacklisted after repeated rate limiting"
	}
	if now.Before(deadline) {
		return Permit{}, &protocol.Error{
			Kind:       kind,
			Message:    reason,
			RetryAfter: int(deadline.Sub(now).Seconds()),
			Provider:   target.ProviderID,
		}
	}
	if r.quotaResetAt.After(now) && r.quotaRemaining <= 0 {
		return Permit{}, &protocol.Error{
			Kind:       protocol.KindTargetQuotaExhausted,
			Message:    "provider quota exhausted",
			RetryAfter: int(r.quotaResetAt.Sub(now).Seconds()),
			Provider:   target.ProviderID,
		}
	}
	return Permit{Target: target, AcquiredAt: now}, nil
}

// maybeResetLocked implements the resetWindowMs invariant: after
// resetWindowMs of error-free operation, step and consecutiveErrors reset.
func (t *Tracker) maybeResetLocked(r *record, now time.Time) {
	if r.consecutiveErrors == 0 && r.rateLimitStep == 0 {
		return
	}
	if now.Sub(r.lastSuccessOrReset) >= t.cfg.ResetWindow {
		r.consecutiveErrors = 0
		r.rateLimitStep = 0
		r.lastSuccessOrReset = now
	}
}

// Report records the outcome of a call made under permit, per §4.5's
// policy table: fatal bans, the 429 ladder, default 5xx backoff, success
// decay, and key blacklisting.
func (t *Tracker) Report(permit Permit, outcome Outcome) {
	k := permit.Target.HealthKey()
	r := t.recordFor(k)

	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()

	if outcome.Success {
		r.consecutiveErrors = 0
		if r.rateLimitStep > 0 {
			r.rateLimitStep--
		}
		r.lastSuccessOrReset = now
		applyQuotaHeaders(r, outcome.Headers)
		return
	}

	r.consecutiveErrors++
	r.lastErrorAt = now
	r.lastStatusCode = outcome.StatusCode

	switch {
	case outcome.StatusCode == 429:
		r.recent429 = append(r.recent429, now)
		r.recent429 = pruneWindow(r.recent429, now, t.cfg.BlacklistWindow)
		if len(r.recent429) >= t.cfg.BlacklistTrigger {
			r.blacklistUntil = now.Add(t.cfg.BlacklistDuration)
		}

		step := r.rateLimitStep
		if step >= len(t.cfg.Schedule) {
			step = len(t.cfg.Schedule) - 1
		}
		ban := t.cfg.Schedule[step]
		r.rateLimitStep++
		r.rateLimitLastHitAt = now

		if ra := retryAfterSeconds(outcome.Headers); ra > 0 {
			if hdrBan := time.Duration(ra) * time.Second; hdrBan > ban {
				ban = hdrBan
			}
		}
		if r.consecutiveErrors >= t.cfg.FatalThreshold {
			t.extendBanLocked(r, now.Add(ban), "rate-limited")
		}

	case t.cfg.FatalStatusCodes[outcome.StatusCode] && r.consecutiveErrors >= t.cfg.FatalThreshold:
		t.extendBanLocked(r, now.Add(t.cfg.FatalBanMs), "fatal-error")

	case outcome.StatusCode >= 500 || outcome.Timeout:
		if r.consecutiveErrors >= t.cfg.FatalThreshold {
			t.extendBanLocked(r, now.Add(t.cfg.DefaultBanMs), "upstream-error")
		}
	}
}

// extendBanLocked enforces "banUntil never decreases without a successful
// probe" (§3 invariant): it only ever extends the deadline.
func (t *Tracker) extendBanLocked(r *record, until time.Time, reason string) {
	if until.After(r.banUntil) {
		r.banUntil = until
		r.banReason = reason
	}
}

func pruneWindow(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if now.Sub(t) <= window {
			out = append(out, t)
		}
	}
	return out
}

func retryAfterSeconds(h http.Header) int {
	if h == nil {
		return 0
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func applyQuotaHeaders(r *record, h http.Header) {
	if h == nil {
		return
	}
	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			r.quotaRemaining = n
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			r.quotaResetAt = time.Unix(n, 0)
		}
	}
}

// View returns a read-only snapshot for the router's health gate.
func (t *Tracker) View(target protocol.RouteTarget) View {
	r := t.recordFor(target.HealthKey())
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	return View{
		ConsecutiveErrors: r.consecutiveErrors,
		BanUntil:          r.banUntil,
		BanReason:         r.banReason,
		RateLimitStep:     r.rateLimitStep,
		QuotaRemaining:    r.quotaRemaining,
		QuotaResetAt:      r.quotaResetAt,
		Blacklisted:       now.Before(r.blacklistUntil),
	}
}
