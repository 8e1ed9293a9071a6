// Package ratelimit provides windowed request limiting for webhook ingress.
// It enforces a per-source-IP burst cap and a global ceiling over a sliding
// window, and reports how long a rejected caller should wait.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Config configures ingress rate limiting.
type Config struct {
	// PerSourceBurst is the per-IP request cap within one window.
	PerSourceBurst int

	// GlobalPerWindow is the ceiling across all sources within one window.
	GlobalPerWindow int

	// Window is the sliding window length.
	Window time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PerSourceBurst:  30,
		GlobalPerWindow: 600,
		Window:          time.Minute,
	}
}

// Decision reports whether a request is admitted and, when it is not,
// how long the caller should wait before retrying.
type Decision struct {
	Allowed    bool
	Reason     string
	Global     bool
	RetryAfter time.Duration
}

// Limiter tracks request history per source over a sliding window.
type Limiter struct {
	config Config
	now    func() time.Time

	mu      sync.Mutex
	history []record
}

type record struct {
	source string
	time   time.Time
}

// NewLimiter creates an ingress rate limiter.
func NewLimiter(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Limiter{
		config: cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the time source. Test hook.
func (l *Limiter) SetNow(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Allow admits or rejects a request from the given source IP. Admitted
// requests are recorded immediately.
func (l *Limiter) Allow(source string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if l.config.GlobalPerWindow > 0 && len(l.history) >= l.config.GlobalPerWindow {
		return Decision{
			Allowed:    false,
			Reason:     fmt.Sprintf("global ingress ceiling reached (%d per %s)", l.config.GlobalPerWindow, l.config.Window),
			Global:     true,
			RetryAfter: l.retryAfter(now, ""),
		}
	}

	if l.config.PerSourceBurst > 0 {
		count := 0
		for _, r := range l.history {
			if r.source == source {
				count++
			}
		}
		if count >= l.config.PerSourceBurst {
			return Decision{
				Allowed:    false,
				Reason:     fmt.Sprintf("source burst limit reached (%d per %s)", l.config.PerSourceBurst, l.config.Window),
				RetryAfter: l.retryAfter(now, source),
			}
		}
	}

	l.history = append(l.history, record{source: source, time: now})
	return Decision{Allowed: true}
}

// InWindow returns how many requests the source made in the current window.
func (l *Limiter) InWindow(source string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.now())
	count := 0
	for _, r := range l.history {
		if source == "" || r.source == source {
			count++
		}
	}
	return count
}

func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.config.Window)
	i := 0
	for i < len(l.history) && l.history[i].time.Before(cutoff) {
		i++
	}
	if i > 0 {
		l.history = l.history[i:]
	}
}

// retryAfter computes how long until the oldest relevant record ages out.
func (l *Limiter) retryAfter(now time.Time, source string) time.Duration {
	for _, r := range l.history {
		if source != "" && r.source != source {
			continue
		}
		wait := r.time.Add(l.config.Window).Sub(now)
		if wait < time.Second {
			wait = time.Second
		}
		return wait
	}
	return time.Second
}
