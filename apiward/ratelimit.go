package apiward

import (
	"sync"
	"time"
)

// rateLimiter applies per-endpoint sliding-window admission control before
// any network traffic happens.
//
// Windows are private to this process. The limiter exists to keep a
// well-behaved client from hammering the API; the server remains the
// authoritative enforcement point.
type rateLimiter struct {
	mu       sync.Mutex
	rules    map[string]RateRule
	fallback RateRule
	windows  map[string][]time.Time
	clock    func() time.Time
}

// decision is the outcome of one admission check.
type decision struct {
	allowed   bool
	remaining int
	resetAt   time.Time
}

func newRateLimiter(rules map[string]RateRule, clock func() time.Time) *rateLimiter {
	l := &rateLimiter{
		rules:    make(map[string]RateRule, len(rules)),
		fallback: RateRule{Limit: defaultRateLimit, WindowMs: int64(defaultRateWindow / time.Millisecond)},
		windows:  make(map[string][]time.Time),
		clock:    clock,
	}

	for key, rule := range rules {
		if key == "default" {
			l.fallback = rule
			continue
		}
		l.rules[key] = rule
	}

	return l
}

// check admits or rejects one attempt against the endpoint's window.
//
// Expired timestamps are pruned first. A rejected check records nothing, so
// rejected attempts can never push resetAt further out or starve future
// admission. Only an admitted attempt appends its timestamp.
func (l *rateLimiter) check(key string) decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	rule, ok := l.rules[key]
	if !ok {
		rule = l.fallback
	}

	now := l.clock()
	cutoff := now.Add(-rule.Window())

	win := l.windows[key]
	drop := 0
	for drop < len(win) && !win[drop].After(cutoff) {
		drop++
	}
	win = win[drop:]

	if len(win) >= rule.Limit {
		l.windows[key] = win
		return decision{
			allowed:   false,
			remaining: 0,
			resetAt:   win[0].Add(rule.Window()),
		}
	}

	win = append(win, now)
	l.windows[key] = win

	return decision{
		allowed:   true,
		remaining: rule.Limit - len(win),
		resetAt:   win[0].Add(rule.Window()),
	}
}

// retryAfter converts the distance to resetAt into whole seconds, rounded
// up, matching the RATE_LIMIT_EXCEEDED wire shape.
func retryAfter(now, resetAt time.Time) time.Duration {
	d := resetAt.Sub(now)
	if d <= 0 {
		return time.Second
	}
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	return d
}
