package resilience

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a minimum interval between calls per endpoint key,
// plus a random jitter. Keys are independent of each other.
type Limiter struct {
	interval time.Duration
	jitter   time.Duration

	mu   sync.Mutex
	keys map[string]*rate.Limiter
}

// NewLimiter creates a per-key limiter allowing one call per interval.
func NewLimiter(interval, jitter time.Duration) *Limiter {
	return &Limiter{
		interval: interval,
		jitter:   jitter,
		keys:     make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.keys[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.interval), 1)
		l.keys[key] = lim
	}
	return lim
}

// Wait blocks until the next call for key may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if l.interval <= 0 {
		return ctx.Err()
	}
	if err := l.get(key).Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// rate reports "would exceed context deadline" before the deadline passes
		return context.DeadlineExceeded
	}
	if l.jitter <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(rand.Int63n(int64(l.jitter))))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
