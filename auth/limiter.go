package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rule allows Burst events per Period for each key.
type Rule struct {
	Burst  int
	Period time.Duration
}

// Default rules per client address.
var (
	LoginRule    = Rule{Burst: 5, Period: time.Minute}
	RegisterRule = Rule{Burst: 3, Period: 10 * time.Minute}
)

const idleEviction = 30 * time.Minute

// Limiter keeps one token bucket per (action, key).
type Limiter struct {
	mu      sync.Mutex
	rules   map[string]Rule
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewLimiter(rules map[string]Rule) *Limiter {
	return &Limiter{rules: rules, buckets: make(map[string]*bucket), now: time.Now}
}

// Allow consumes one event for key under action. When refused it also
// reports how long until the next event would be allowed. Unknown actions
// are not limited.
func (l *Limiter) Allow(action, key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rule, ok := l.rules[action]
	if !ok {
		return true, 0
	}

	now := l.now()
	l.evict(now)

	id := action + "|" + key
	b, ok := l.buckets[id]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Every(rule.Period/time.Duration(rule.Burst)), rule.Burst)}
		l.buckets[id] = b
	}
	b.seen = now

	r := b.lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// evict drops buckets idle long enough to have refilled. Caller holds mu.
func (l *Limiter) evict(now time.Time) {
	for id, b := range l.buckets {
		if now.Sub(b.seen) > idleEviction {
			delete(l.buckets, id)
		}
	}
}
