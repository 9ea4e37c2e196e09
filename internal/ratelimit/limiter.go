// Package ratelimit implements the gateway's two-layer request throttle:
// a coarse process-wide token bucket from golang.org/x/time/rate that
// protects the process from raw volume, and a per-identifier sliding
// window counter underneath it that enforces the exact fixed-quota
// semantics spec'd per endpoint class.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of a Check call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// window tracks timestamps of accepted requests for one identifier
// within the current sliding window.
type window struct {
	mu    sync.Mutex
	stamp []time.Time
}

func (w *window) check(now time.Time, size time.Duration, max int) Decision {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-size)
	kept := w.stamp[:0]
	for _, t := range w.stamp {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.stamp = kept

	if len(w.stamp) >= max {
		resetAt := w.stamp[0].Add(size)
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}
	w.stamp = append(w.stamp, now)
	return Decision{Allowed: true, Remaining: max - len(w.stamp), ResetAt: now.Add(size)}
}

// Limiter enforces both layers. One Limiter instance is shared across
// the whole process; it is safe for concurrent use.
type Limiter struct {
	globalBucket *rate.Limiter

	mu       sync.Mutex
	windows  map[string]*window
	size     time.Duration
	max      map[string]int // endpoint class -> max requests per window
	defMax   int
}

// Config carries the construction parameters sourced from internal/config.
type Config struct {
	WindowSize      time.Duration
	DefaultMax      int
	MedicalMax      int
	GlobalBurstRPS  float64
	GlobalBurstSize int
}

// New builds a Limiter. Endpoint classes are looked up by name; "medical"
// gets its own (typically stricter) quota, everything else falls back to
// DefaultMax.
func New(cfg Config) *Limiter {
	return &Limiter{
		globalBucket: rate.NewLimiter(rate.Limit(cfg.GlobalBurstRPS), cfg.GlobalBurstSize),
		windows:      make(map[string]*window),
		size:         cfg.WindowSize,
		max: map[string]int{
			"medical": cfg.MedicalMax,
		},
		defMax: cfg.DefaultMax,
	}
}

// Check evaluates both layers for (identifier, endpointClass). identifier
// must already be a session id or a hashed peer address — this package
// never sees or stores a raw client IP.
func (l *Limiter) Check(identifier, endpointClass string) Decision {
	if !l.globalBucket.Allow() {
		return Decision{Allowed: false, Remaining: 0, ResetAt: time.Now().Add(time.Second)}
	}

	key := identifier + "|" + endpointClass
	l.mu.Lock()
	max, ok := l.max[endpointClass]
	if !ok || max == 0 {
		max = l.defMax
	}
	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	l.mu.Unlock()

	return w.check(time.Now(), l.size, max)
}

// SetMax updates the per-window quota for an endpoint class, e.g. from a
// config.TuningWatcher reloading MEDICAL_API_RATE_LIMIT_MAX. Existing
// windows keep their tracked timestamps; only the ceiling changes.
func (l *Limiter) SetMax(endpointClass string, max int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.max[endpointClass] = max
}

// Sweep drops tracked windows that have been empty since before cutoff,
// bounding memory growth from identifiers seen exactly once. Intended to
// be called from the same sweep cycle as the session store's sweeper.
func (l *Limiter) Sweep(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, w := range l.windows {
		w.mu.Lock()
		stale := len(w.stamp) == 0 || w.stamp[len(w.stamp)-1].Before(cutoff)
		w.mu.Unlock()
		if stale {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}
