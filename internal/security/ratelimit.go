package security

import (
	"sync"
	"time"
)

// Category is a rate-limit bucket for one kind of destructive action.
type Category string

const (
	CategorySingle  Category = "single-deletion"
	CategoryBulk    Category = "bulk-deletion"
	CategoryCleanup Category = "cleanup-operations"
)

// CategoryForScope maps a deletion scope onto its rate-limit category.
// Cascade deletions count against the cleanup budget: both touch records the
// caller never listed explicitly.
func CategoryForScope(s DeletionScope) Category {
	switch s {
	case ScopeBulk:
		return CategoryBulk
	case ScopeCascade, ScopeCleanup:
		return CategoryCleanup
	default:
		return CategorySingle
	}
}

type limitRule struct {
	max    int
	window time.Duration
}

type windowCounter struct {
	count       int
	windowReset time.Time
}

// RateLimiter keeps one fixed-window counter per category plus a global
// failed-attempt lock gating all categories at once. Windows reset lazily:
// the first check or usage at or past windowReset zeroes the counter and
// slides the window forward from that moment.
type RateLimiter struct {
	mu       sync.Mutex
	now      func() time.Time
	rules    map[Category]limitRule
	counters map[Category]*windowCounter

	failures         int
	failureThreshold int
	lockDuration     time.Duration
	locked           bool
	lockExpires      time.Time
}

// RateLimiterOption configures RateLimiter behavior.
type RateLimiterOption func(*RateLimiter)

// WithLimiterClock overrides the time source (useful for tests).
func WithLimiterClock(fn func() time.Time) RateLimiterOption {
	return func(l *RateLimiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithRule overrides the limit for one category.
func WithRule(cat Category, max int, window time.Duration) RateLimiterOption {
	return func(l *RateLimiter) {
		if max > 0 && window > 0 {
			l.rules[cat] = limitRule{max: max, window: window}
		}
	}
}

// WithLockout overrides the failed-attempt threshold and lock duration.
func WithLockout(threshold int, duration time.Duration) RateLimiterOption {
	return func(l *RateLimiter) {
		if threshold > 0 {
			l.failureThreshold = threshold
		}
		if duration > 0 {
			l.lockDuration = duration
		}
	}
}

// NewRateLimiter constructs a limiter with the default budgets:
// single 5/min, bulk 1/5min, cleanup 1/hour, lockout 3 failures → 15 minutes.
func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	l := &RateLimiter{
		now: time.Now,
		rules: map[Category]limitRule{
			CategorySingle:  {max: 5, window: time.Minute},
			CategoryBulk:    {max: 1, window: 5 * time.Minute},
			CategoryCleanup: {max: 1, window: time.Hour},
		},
		counters:         make(map[Category]*windowCounter),
		failureThreshold: 3,
		lockDuration:     15 * time.Minute,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether one more action in the category fits the budget.
// Check-only: it never consumes budget, so callers can probe without
// committing. A lapsed lock auto-clears here.
func (l *RateLimiter) Allow(cat Category) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lockActive() {
		return false
	}
	rule, ok := l.rules[cat]
	if !ok {
		return false
	}
	c := l.counter(cat, rule)
	return c.count < rule.max
}

// RecordUsage consumes one unit of the category budget. Call it only after
// the authorized action actually ran.
func (l *RateLimiter) RecordUsage(cat Category) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rule, ok := l.rules[cat]
	if !ok {
		return
	}
	c := l.counter(cat, rule)
	c.count++
}

// RecordFailure counts one failed attempt. Reaching the threshold locks
// every category until the lock expires.
func (l *RateLimiter) RecordFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failures++
	if l.failures >= l.failureThreshold {
		l.locked = true
		l.lockExpires = l.now().Add(l.lockDuration)
	}
}

// Locked reports whether the global lock is currently active.
func (l *RateLimiter) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lockActive()
}

// LockExpires returns the lock deadline; zero when not locked.
func (l *RateLimiter) LockExpires() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.lockActive() {
		return time.Time{}
	}
	return l.lockExpires
}

// Reset clears all counters, failures and the lock.
func (l *RateLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters = make(map[Category]*windowCounter)
	l.failures = 0
	l.locked = false
	l.lockExpires = time.Time{}
}

// counter returns the category counter, resetting it when its window lapsed.
// Callers hold l.mu.
func (l *RateLimiter) counter(cat Category, rule limitRule) *windowCounter {
	c, ok := l.counters[cat]
	if !ok {
		c = &windowCounter{windowReset: l.now().Add(rule.window)}
		l.counters[cat] = c
		return c
	}
	if now := l.now(); !now.Before(c.windowReset) {
		c.count = 0
		c.windowReset = now.Add(rule.window)
	}
	return c
}

// lockActive checks and lazily clears the lock. Callers hold l.mu.
func (l *RateLimiter) lockActive() bool {
	if !l.locked {
		return false
	}
	if !l.now().Before(l.lockExpires) {
		l.locked = false
		l.failures = 0
		l.lockExpires = time.Time{}
		return false
	}
	return true
}
