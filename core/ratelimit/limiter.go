// Package ratelimit implements the admission gate checked before dispatch.
// Two independent fixed windows (per-minute and per-hour) are enforced per
// caller key. The check and the increment are one atomic step, so a burst of
// simultaneous calls can never let N+1 through a ceiling of N.
package ratelimit

import (
	"sync"
	"time"
)

// Config holds the ceilings. A value <= 0 disables that window.
type Config struct {
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`
}

// SetDefaults applies the default ceilings.
func (c *Config) SetDefaults() {
	if c.PerMinute == 0 {
		c.PerMinute = 60
	}
	if c.PerHour == 0 {
		c.PerHour = 1000
	}
}

// Decision is the outcome of an admission check. RetryAfter is deterministic:
// the time until the exhausted window resets.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type window struct {
	start time.Time
	count int
}

type counters struct {
	minute window
	hour   window
}

// Limiter gates requests per caller key. Counters for different keys are
// independent; checks for the same key are linearized by the limiter lock.
type Limiter struct {
	cfg Config

	mu   sync.Mutex
	keys map[string]*counters

	now func() time.Time
}

// New creates a limiter with the given ceilings.
func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg, keys: make(map[string]*counters), now: time.Now}
}

// Admit checks both windows for key and, when allowed, records the call.
// Denials do not consume quota.
func (l *Limiter) Admit(key string) Decision {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.keys[key]
	if !ok {
		c = &counters{}
		l.keys[key] = c
	}
	roll(&c.minute, now, time.Minute)
	roll(&c.hour, now, time.Hour)

	if l.cfg.PerMinute > 0 && c.minute.count >= l.cfg.PerMinute {
		return Decision{RetryAfter: c.minute.start.Add(time.Minute).Sub(now)}
	}
	if l.cfg.PerHour > 0 && c.hour.count >= l.cfg.PerHour {
		return Decision{RetryAfter: c.hour.start.Add(time.Hour).Sub(now)}
	}
	c.minute.count++
	c.hour.count++
	return Decision{Allowed: true}
}

// roll resets the window when now falls outside its span. Windows are
// anchored at the first call after a reset.
func roll(w *window, now time.Time, span time.Duration) {
	if w.start.IsZero() || now.Sub(w.start) >= span {
		w.start = now
		w.count = 0
	}
}

// Sweep drops keys whose hour window has lapsed, bounding memory for
// long-running processes with churning callers.
func (l *Limiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int
	for k, c := range l.keys {
		if now.Sub(c.hour.start) >= time.Hour {
			delete(l.keys, k)
			n++
		}
	}
	return n
}
