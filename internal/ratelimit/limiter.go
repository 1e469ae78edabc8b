// Package ratelimit provides per-identity sliding-window admission control
// with escalating cool-downs for repeat offenders.
//
// State is held in process memory only. In a multi-instance deployment each
// instance enforces its own share, so the effective limit is best effort
// rather than strict; that trade-off is accepted to keep the deny path free
// of I/O.
package ratelimit

import (
	"sync"
	"time"
)

// RouteClass partitions limits by the kind of work a route performs.
type RouteClass string

const (
	RouteClassAPI      RouteClass = "api"
	RouteClassUpload   RouteClass = "upload"
	RouteClassGenerate RouteClass = "generate"
)

// Decision is the outcome of an admission check. RetryAfter is set only when
// the request was denied.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Options configures a Limiter.
type Options struct {
	Window        time.Duration
	Limits        map[RouteClass]int
	BaseBlock     time.Duration
	MaxBlock      time.Duration
	SweepInterval time.Duration
}

type identityState struct {
	times        []time.Time
	blockedUntil time.Time
	violations   int
	lastBlock    time.Duration
	lastBreach   time.Time
	lastSeen     time.Time
}

// Limiter tracks request counts per (identity, route class) pair. All state
// updates are pure map and slice work under one mutex; the deny path is a
// single lookup.
type Limiter struct {
	mu        sync.Mutex
	window    time.Duration
	limits    map[RouteClass]int
	states    map[string]*identityState
	baseBlock time.Duration
	maxBlock  time.Duration

	sweepInterval time.Duration
	lastSweep     time.Time

	now func() time.Time
}

// New builds a Limiter. Zero option fields get conservative defaults.
func New(opts Options) *Limiter {
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.BaseBlock <= 0 {
		opts.BaseBlock = 30 * time.Second
	}
	if opts.MaxBlock <= 0 {
		opts.MaxBlock = 10 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}
	limits := make(map[RouteClass]int, len(opts.Limits))
	for class, limit := range opts.Limits {
		limits[class] = limit
	}
	return &Limiter{
		window:        opts.Window,
		limits:        limits,
		states:        make(map[string]*identityState),
		baseBlock:     opts.BaseBlock,
		maxBlock:      opts.MaxBlock,
		sweepInterval: opts.SweepInterval,
		now:           time.Now,
	}
}

// Admit decides whether a request from identity on the given route class may
// proceed. Denials carry the duration the caller must wait before retrying.
func (l *Limiter) Admit(identity string, class RouteClass) Decision {
	limit, ok := l.limits[class]
	if !ok || limit <= 0 {
		return Decision{Allowed: true}
	}
	now := l.now()
	key := identity + "|" + string(class)

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > l.sweepInterval {
		l.sweep(now)
	}

	st, ok := l.states[key]
	if !ok {
		st = &identityState{}
		l.states[key] = st
	}
	st.lastSeen = now

	// Blocked identities short-circuit before any window bookkeeping.
	if now.Before(st.blockedUntil) {
		return Decision{RetryAfter: st.blockedUntil.Sub(now)}
	}

	cutoff := now.Add(-l.window)
	st.times = pruneBefore(st.times, cutoff)

	if len(st.times) >= limit {
		return Decision{RetryAfter: l.breach(st, now)}
	}

	st.times = append(st.times, now)
	return Decision{Allowed: true}
}

// breach records a limit violation and returns the cool-down. The first
// breach simply waits out the window; each further breach inside the grace
// period doubles the imposed block, capped at maxBlock.
func (l *Limiter) breach(st *identityState, now time.Time) time.Duration {
	grace := l.window
	if 2*st.lastBlock > grace {
		grace = 2 * st.lastBlock
	}
	if st.violations > 0 && now.Sub(st.lastBreach) > grace {
		st.violations = 0
		st.lastBlock = 0
	}
	st.violations++
	st.lastBreach = now

	retry := st.times[0].Add(l.window).Sub(now)
	if retry < 0 {
		retry = 0
	}
	if st.violations > 1 {
		block := 2 * st.lastBlock
		if block == 0 {
			block = l.baseBlock
		}
		if block > l.maxBlock {
			block = l.maxBlock
		}
		st.lastBlock = block
		if block > retry {
			retry = block
		}
		st.blockedUntil = now.Add(retry)
	}
	return retry
}

// sweep drops identities idle for longer than the window plus the longest
// possible block, bounding memory under churn. Caller holds the lock.
func (l *Limiter) sweep(now time.Time) {
	idle := l.window + l.maxBlock
	for key, st := range l.states {
		if now.Sub(st.lastSeen) > idle && now.After(st.blockedUntil) {
			delete(l.states, key)
		}
	}
	l.lastSweep = now
}

// Size reports how many identity states are currently tracked.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.states)
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(times) && !times[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return times
	}
	return append(times[:0], times[idx:]...)
}
