// Package pool implements the Connection Pool (spec §4.D): a bounded
// semaphore of outbound permits with idle eviction, max-lifetime
// retirement, and error accounting that flips a health flag without
// ever refusing to serve.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loxone-mcp/gateway/pkg/errs"
	"github.com/loxone-mcp/gateway/pkg/telemetry"
)

const defaultMaxConnections = 10

// Config configures a Pool. Zero values fall back to the documented
// defaults.
type Config struct {
	MaxConnections     int
	IdleTimeout        time.Duration
	MaxLifetime        time.Duration
	UnhealthyThreshold int // consecutive errors before Unhealthy
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = time.Hour
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = 5
	}
	return c
}

// Stats is a snapshot of pool state for observability.
type Stats struct {
	MaxConnections  int
	InUse           int
	ConsecutiveErrs int
	Unhealthy       bool
	TotalAcquired   uint64
	TotalTimeouts   uint64
}

// slot tracks one outstanding permit's lifetime bookkeeping.
type slot struct {
	acquiredAt time.Time
	lastUsedAt time.Time
}

// Pool is a bounded semaphore of connection permits.
type Pool struct {
	cfg Config
	sem chan struct{}

	mu              sync.Mutex
	inUse           int
	consecutiveErrs int
	slots           map[*Permit]*slot

	totalAcquired atomic.Uint64
	totalTimeouts atomic.Uint64
}

// New builds a Pool with the given configuration.
func New(cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:   cfg,
		sem:   make(chan struct{}, cfg.MaxConnections),
		slots: make(map[*Permit]*slot),
	}
}

// Permit is a held slot in the pool. Callers must call Release exactly
// once; a common pattern is `defer permit.Release()`.
type Permit struct {
	pool      *Pool
	released  bool
	createdAt time.Time
}

// Acquire suspends until a permit is free or ctx's deadline elapses.
func (p *Pool) Acquire(ctx context.Context) (*Permit, error) {
	waitStart := time.Now()
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		p.totalTimeouts.Add(1)
		telemetry.PoolWaitDuration.Record(ctx, telemetry.Since(waitStart),
			metric.WithAttributes(attribute.Bool("timed_out", true)))
		return nil, errs.Wrap(errs.Timeout, "pool acquire timed out", ctx.Err())
	}
	telemetry.PoolWaitDuration.Record(ctx, telemetry.Since(waitStart),
		metric.WithAttributes(attribute.Bool("timed_out", false)))

	now := time.Now()
	permit := &Permit{pool: p, createdAt: now}

	p.mu.Lock()
	p.inUse++
	p.slots[permit] = &slot{acquiredAt: now, lastUsedAt: now}
	p.mu.Unlock()

	p.totalAcquired.Add(1)
	return permit, nil
}

// Release returns the permit's slot to the pool. Safe to call multiple
// times; only the first call has an effect.
func (p *Permit) Release() {
	if p.released {
		return
	}
	p.released = true

	p.pool.mu.Lock()
	p.pool.inUse--
	delete(p.pool.slots, p)
	p.pool.mu.Unlock()

	<-p.pool.sem
}

// Age reports how long this permit has been held.
func (p *Permit) Age() time.Duration {
	return time.Since(p.createdAt)
}

// Expired reports whether the permit has outlived the pool's
// MaxLifetime, in which case the caller should retire the underlying
// connection on next Release rather than reuse it.
func (p *Permit) Expired() bool {
	return p.Age() > p.pool.cfg.MaxLifetime
}

// RecordError increments the pool's consecutive-error counter. After
// UnhealthyThreshold consecutive errors the pool reports Unhealthy via
// Health, but it keeps serving requests regardless.
func (p *Pool) RecordError() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveErrs++
}

// RecordSuccess resets the consecutive-error counter.
func (p *Pool) RecordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveErrs = 0
}

// Health reports whether the pool considers itself healthy.
func (p *Pool) Health() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consecutiveErrs < p.cfg.UnhealthyThreshold
}

// Stats returns a snapshot for observability endpoints.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		MaxConnections:  p.cfg.MaxConnections,
		InUse:           p.inUse,
		ConsecutiveErrs: p.consecutiveErrs,
		Unhealthy:       p.consecutiveErrs >= p.cfg.UnhealthyThreshold,
		TotalAcquired:   p.totalAcquired.Load(),
		TotalTimeouts:   p.totalTimeouts.Load(),
	}
}

// EvictIdle reports held permits whose idle time exceeds the configured
// IdleTimeout or whose Age exceeds MaxLifetime, returning the idle time
// of each, for a caller that wants to proactively close underlying
// connections. The pool itself doesn't own the connections — it
// only tracks permits — so this is advisory information, not an
// action.
func (p *Pool) EvictIdle() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ages []time.Duration
	now := time.Now()
	for _, s := range p.slots {
		idle := now.Sub(s.lastUsedAt)
		if idle > p.cfg.IdleTimeout || now.Sub(s.acquiredAt) > p.cfg.MaxLifetime {
			ages = append(ages, idle)
		}
	}
	return ages
}

// Touch records activity on a permit, resetting its idle clock.
func (p *Pool) Touch(permit *Permit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.slots[permit]; ok {
		s.lastUsedAt = time.Now()
	}
}
