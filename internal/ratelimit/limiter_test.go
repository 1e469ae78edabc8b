package ratelimit

import (
	"testing"
	"time"
)

func newLimiterForTest(limit int, window time.Duration) (*Limiter, *time.Time) {
	l := New(Options{
		Window:    window,
		Limits:    map[RouteClass]int{RouteClassGenerate: limit, RouteClassAPI: 100},
		BaseBlock: 30 * time.Second,
		MaxBlock:  10 * time.Minute,
	})
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	return l, &clock
}

func TestAdmitWithinLimit(t *testing.T) {
	l, clock := newLimiterForTest(3, 10*time.Second)
	for i := 0; i < 3; i++ {
		if d := l.Admit("x", RouteClassGenerate); !d.Allowed {
			t.Fatalf("request %d unexpectedly denied", i+1)
		}
		*clock = clock.Add(100 * time.Millisecond)
	}
}

func TestAdmitDeniesExcessWithWindowRetry(t *testing.T) {
	// limit=2/window=10s, 3 requests within 1s: first two allowed, third
	// denied with retry_after ~9s.
	l, clock := newLimiterForTest(2, 10*time.Second)

	if d := l.Admit("x", RouteClassGenerate); !d.Allowed {
		t.Fatal("first request denied")
	}
	*clock = clock.Add(500 * time.Millisecond)
	if d := l.Admit("x", RouteClassGenerate); !d.Allowed {
		t.Fatal("second request denied")
	}
	*clock = clock.Add(500 * time.Millisecond)
	d := l.Admit("x", RouteClassGenerate)
	if d.Allowed {
		t.Fatal("third request allowed over limit")
	}
	if d.RetryAfter != 9*time.Second {
		t.Fatalf("retry_after = %v, want 9s", d.RetryAfter)
	}

	// Strictly after retry_after the window has rolled and one slot frees.
	*clock = clock.Add(d.RetryAfter + time.Millisecond)
	if d := l.Admit("x", RouteClassGenerate); !d.Allowed {
		t.Fatalf("request after retry_after denied: %+v", d)
	}
}

func TestAdmitEscalatesConsecutiveViolations(t *testing.T) {
	l, clock := newLimiterForTest(1, 10*time.Second)

	if d := l.Admit("x", RouteClassGenerate); !d.Allowed {
		t.Fatal("first request denied")
	}

	// First breach: window rollover only, no hard block.
	*clock = clock.Add(time.Second)
	first := l.Admit("x", RouteClassGenerate)
	if first.Allowed {
		t.Fatal("breach allowed")
	}

	// Second breach right after: base block imposed.
	*clock = clock.Add(time.Second)
	second := l.Admit("x", RouteClassGenerate)
	if second.Allowed || second.RetryAfter != 30*time.Second {
		t.Fatalf("second breach = %+v, want 30s block", second)
	}

	// While blocked, denial is a pure lookup with the remaining time.
	*clock = clock.Add(10 * time.Second)
	blocked := l.Admit("x", RouteClassGenerate)
	if blocked.Allowed || blocked.RetryAfter != 20*time.Second {
		t.Fatalf("blocked decision = %+v, want 20s remaining", blocked)
	}

	// After the block lapses the window has rolled, so one request goes
	// through; breaching again while still inside the grace period doubles
	// the block.
	*clock = clock.Add(21 * time.Second)
	if d := l.Admit("x", RouteClassGenerate); !d.Allowed {
		t.Fatalf("post-block request denied: %+v", d)
	}
	third := l.Admit("x", RouteClassGenerate)
	if third.Allowed || third.RetryAfter != time.Minute {
		t.Fatalf("third breach = %+v, want 60s block", third)
	}
}

func TestAdmitEscalationCaps(t *testing.T) {
	l, clock := newLimiterForTest(1, 10*time.Second)
	l.Admit("x", RouteClassGenerate)

	// Two quick breaches establish the base block.
	*clock = clock.Add(time.Second)
	l.Admit("x", RouteClassGenerate)
	*clock = clock.Add(time.Second)
	last := l.Admit("x", RouteClassGenerate)
	if last.Allowed || last.RetryAfter != 30*time.Second {
		t.Fatalf("expected base block, got %+v", last)
	}

	// Keep reoffending right after each block: 60s, 120s, ... capped 10m.
	for i := 0; i < 8; i++ {
		*clock = clock.Add(last.RetryAfter + time.Second)
		if d := l.Admit("x", RouteClassGenerate); !d.Allowed {
			t.Fatalf("post-block request %d denied: %+v", i, d)
		}
		last = l.Admit("x", RouteClassGenerate)
		if last.Allowed {
			t.Fatalf("breach %d allowed", i)
		}
	}
	if last.RetryAfter != 10*time.Minute {
		t.Fatalf("expected capped block, got %v", last.RetryAfter)
	}
}

func TestAdmitIsolatesIdentitiesAndClasses(t *testing.T) {
	l, _ := newLimiterForTest(1, 10*time.Second)

	if d := l.Admit("x", RouteClassGenerate); !d.Allowed {
		t.Fatal("x denied")
	}
	if d := l.Admit("y", RouteClassGenerate); !d.Allowed {
		t.Fatal("independent identity denied")
	}
	if d := l.Admit("x", RouteClassAPI); !d.Allowed {
		t.Fatal("independent route class denied")
	}
	if d := l.Admit("x", RouteClassGenerate); d.Allowed {
		t.Fatal("x second generate allowed over limit")
	}
}

func TestAdmitUnknownClassAllowed(t *testing.T) {
	l, _ := newLimiterForTest(1, time.Second)
	if d := l.Admit("x", RouteClass("unconfigured")); !d.Allowed {
		t.Fatal("unconfigured class should not limit")
	}
}

func TestSweepDropsIdleIdentities(t *testing.T) {
	l, clock := newLimiterForTest(5, time.Second)
	l.sweepInterval = time.Minute

	l.Admit("a", RouteClassGenerate)
	l.Admit("b", RouteClassGenerate)
	if l.Size() != 2 {
		t.Fatalf("expected 2 tracked states, got %d", l.Size())
	}

	*clock = clock.Add(time.Hour)
	l.Admit("c", RouteClassGenerate)
	if l.Size() != 1 {
		t.Fatalf("expected idle states swept, got %d", l.Size())
	}
}
