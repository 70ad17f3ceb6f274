// Package ratelimit implements the Rate Limiter (spec §4.K): four
// endpoint tiers plus a global per-client cap, each a sliding window
// with a burst-token allowance, escalating penalties, and a system-load
// scaling factor. Grounded on the per-IP visitor map + background
// cleanup idiom used for HTTP rate limiting elsewhere in the pack,
// generalized from a single token-bucket-per-IP into the tiered
// sliding-window-plus-burst algorithm spec §4.K specifies (a plain
// token bucket can't express "most restrictive of two independent
// windows" or escalating penalties, so golang.org/x/time/rate backs
// only the burst sub-allowance, not the whole decision).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/loxone-mcp/gateway/pkg/telemetry"
)

// Tier is one of the closed endpoint classes from spec §4.K.
type Tier string

const (
	HighFrequency   Tier = "high_frequency"
	MediumFrequency Tier = "medium_frequency"
	LowFrequency    Tier = "low_frequency"
	Admin           Tier = "admin"
	Global          Tier = "global"
)

// TierConfig is one row of the table in spec §4.K.
type TierConfig struct {
	RatePerMinute int
	Burst         int
	PenaltyBase   time.Duration
}

// DefaultTiers is the table from spec §4.K, used unless overridden by
// pkg/config's RateLimit.Tiers.
func DefaultTiers() map[Tier]TierConfig {
	return map[Tier]TierConfig{
		HighFrequency:   {RatePerMinute: 60, Burst: 10, PenaltyBase: 5 * time.Minute},
		MediumFrequency: {RatePerMinute: 30, Burst: 5, PenaltyBase: 3 * time.Minute},
		LowFrequency:    {RatePerMinute: 10, Burst: 3, PenaltyBase: time.Minute},
		Admin:           {RatePerMinute: 20, Burst: 5, PenaltyBase: 2 * time.Minute},
		Global:          {RatePerMinute: 100, Burst: 20, PenaltyBase: 10 * time.Minute},
	}
}

// Decision is the outcome of one admission check, per spec §4.K.
type Decision int

const (
	Allowed Decision = iota
	AllowedBurst
	Limited
	Penalized
)

// String names a Decision for telemetry attributes and logs.
func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case AllowedBurst:
		return "allowed_burst"
	case Limited:
		return "limited"
	case Penalized:
		return "penalized"
	default:
		return "unknown"
	}
}

// Result carries the decision plus, for Limited/Penalized, the
// retry-after duration the HTTP transport reports via `Retry-After`.
type Result struct {
	Decision   Decision
	RetryAfter time.Duration
}

func (r Result) Admitted() bool {
	return r.Decision == Allowed || r.Decision == AllowedBurst
}

// clientMetadata is the "first_seen/total_requests/total_violations"
// bookkeeping from spec §3.
type clientMetadata struct {
	firstSeen       time.Time
	totalRequests   uint64
	totalViolations int
}

// window is a per-(client,tier) sliding window with a burst allowance.
type window struct {
	timestamps  []time.Time
	burst       *rate.Limiter
	penaltyUntil time.Time
}

// clientState is everything tracked for one client identifier.
type clientState struct {
	windows  map[Tier]*window
	global   *window
	metadata clientMetadata
}

// Clock abstracts time for deterministic tests.
type Clock interface{ Now() time.Time }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Limiter is the Rate Limiter (spec §4.K). Safe for concurrent use.
type Limiter struct {
	mu    sync.Mutex
	tiers map[Tier]TierConfig
	state map[string]*clientState
	clock Clock

	// LoadFactor scales limit and burst down linearly, clamped to
	// [0.1, 10] per spec §4.K; 1.0 is the default, no scaling.
	loadFactor float64
}

// New builds a Limiter; a nil tiers map falls back to DefaultTiers().
func New(tiers map[Tier]TierConfig) *Limiter {
	if tiers == nil {
		tiers = DefaultTiers()
	}
	return &Limiter{
		tiers:      tiers,
		state:      make(map[string]*clientState),
		clock:      realClock{},
		loadFactor: 1.0,
	}
}

func (l *Limiter) WithClock(c Clock) *Limiter {
	l.clock = c
	return l
}

// SetTiers replaces the tier table, letting a running gateway apply
// config hot-reload (SPEC_FULL §2.1) without losing per-client windows
// already open under the old table — only new windows pick up the
// updated limits.
func (l *Limiter) SetTiers(tiers map[Tier]TierConfig) {
	l.mu.Lock()
	l.tiers = tiers
	l.mu.Unlock()
}

// SetLoadFactor updates the system-load scaling factor, clamped to
// [0.1, 10] per spec §4.K.
func (l *Limiter) SetLoadFactor(f float64) {
	if f < 0.1 {
		f = 0.1
	}
	if f > 10 {
		f = 10
	}
	l.mu.Lock()
	l.loadFactor = f
	l.mu.Unlock()
}

func (l *Limiter) newWindow(cfg TierConfig) *window {
	scaledBurst := scale(cfg.Burst, l.loadFactor)
	var lim *rate.Limiter
	if scaledBurst > 0 {
		// Burst tokens refill to capacity over one window (60s), matching
		// "refresh burst tokens proportionally to elapsed time".
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(scaledBurst)), scaledBurst)
	} else {
		lim = rate.NewLimiter(0, 0)
	}
	return &window{burst: lim}
}

func scale(n int, factor float64) int {
	scaled := int(float64(n) / factor)
	if scaled < 0 {
		scaled = 0
	}
	return scaled
}

// Allow evaluates tier and the Global cap for clientID, returning the
// most restrictive outcome (spec §4.K "Evaluation order: per-tier then
// global; the most restrictive result is returned").
func (l *Limiter) Allow(clientID string, tier Tier) Result {
	result := l.allow(clientID, tier)
	telemetry.RateLimitDecisions.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("tier", string(tier)),
			attribute.String("decision", result.Decision.String()),
		))
	return result
}

func (l *Limiter) allow(clientID string, tier Tier) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	state, ok := l.state[clientID]
	if !ok {
		state = &clientState{
			windows:  make(map[Tier]*window),
			metadata: clientMetadata{firstSeen: now},
		}
		state.global = l.newWindow(l.tiers[Global])
		l.state[clientID] = state
	}
	state.metadata.totalRequests++

	tierCfg := l.tiers[tier]
	w, ok := state.windows[tier]
	if !ok {
		w = l.newWindow(tierCfg)
		state.windows[tier] = w
	}

	tierResult := l.evaluate(w, tierCfg, now, &state.metadata)
	if !tierResult.Admitted() {
		return tierResult
	}

	globalResult := l.evaluate(state.global, l.tiers[Global], now, &state.metadata)
	if !globalResult.Admitted() {
		return globalResult
	}

	// Most restrictive outcome: prefer AllowedBurst only if both agree a
	// burst token was spent; otherwise plain Allowed.
	if tierResult.Decision == AllowedBurst && globalResult.Decision == AllowedBurst {
		return Result{Decision: AllowedBurst}
	}
	return Result{Decision: Allowed}
}

// evaluate runs one window's admission algorithm, per spec §4.K:
// (a) drop stale entries, (b) check/consume burst token, (c) admit or
// reject, tracking penalties and escalating violation counts.
func (l *Limiter) evaluate(w *window, cfg TierConfig, now time.Time, meta *clientMetadata) Result {
	if now.Before(w.penaltyUntil) {
		return Result{Decision: Penalized, RetryAfter: w.penaltyUntil.Sub(now)}
	}

	cutoff := now.Add(-time.Minute)
	kept := w.timestamps[:0]
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.timestamps = kept

	limit := scale(cfg.RatePerMinute, l.loadFactor)
	if len(w.timestamps) < limit {
		w.timestamps = append(w.timestamps, now)
		if w.burst.AllowN(now, 1) {
			return Result{Decision: AllowedBurst}
		}
		return Result{Decision: Allowed}
	}

	meta.totalViolations++
	penaltyMultiplier := meta.totalViolations
	if penaltyMultiplier > 5 {
		penaltyMultiplier = 5
	}
	penalty := time.Duration(penaltyMultiplier) * cfg.PenaltyBase
	w.penaltyUntil = now.Add(penalty)
	return Result{Decision: Limited, RetryAfter: penalty}
}
