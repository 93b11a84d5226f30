// Package resilience guards upstream REST endpoints with a per-key rate
// limiter, a retry policy and a per-key circuit breaker.
package resilience

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Endpoint keys used by the quote orchestrator.
const (
	EndpointQuotes  = "quotes"
	EndpointLTP     = "ltp"
	EndpointOHLC    = "ohlc"
	EndpointHistory = "history"
)

// Config tunes a Guard.
type Config struct {
	MinInterval      time.Duration `yaml:"min_interval"`
	Jitter           time.Duration `yaml:"jitter"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryMin         time.Duration `yaml:"retry_min"`
	RetryMax         time.Duration `yaml:"retry_max"`
}

// DefaultConfig matches the venue's 1 req/s per-endpoint ceiling.
func DefaultConfig() Config {
	return Config{
		MinInterval:      time.Second,
		Jitter:           150 * time.Millisecond,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		MaxRetries:       2,
		RetryMin:         200 * time.Millisecond,
		RetryMax:         2 * time.Second,
	}
}

// rateLimitedWindow is how long a 429 keeps RateLimited() true.
const rateLimitedWindow = time.Minute

// Guard composes breaker(retry(limiter + call)) per endpoint key, so one
// logical call counts once against the breaker however often it retried.
type Guard struct {
	cfg     Config
	limiter *Limiter
	retry   RetryPolicy

	mu            sync.Mutex
	breakers      map[string]*Breaker
	lastThrottled time.Time

	// OnStateChange is called on breaker transitions for any key.
	OnStateChange func(key string, from, to Status)
	// OnResult is called after every guarded call with its final error.
	OnResult func(key string, err error, elapsed time.Duration)
}

// NewGuard builds a Guard from cfg.
func NewGuard(cfg Config) *Guard {
	return &Guard{
		cfg:     cfg,
		limiter: NewLimiter(cfg.MinInterval, cfg.Jitter),
		retry: RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			Min:        cfg.RetryMin,
			Max:        cfg.RetryMax,
			Factor:     2,
		},
		breakers: make(map[string]*Breaker),
	}
}

// Breaker returns the breaker for key, creating it on first use.
func (g *Guard) Breaker(key string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[key]
	if !ok {
		b = NewBreaker(g.cfg.FailureThreshold, g.cfg.Cooldown)
		b.OnStateChange = func(from, to Status) {
			if g.OnStateChange != nil {
				g.OnStateChange(key, from, to)
			}
		}
		g.breakers[key] = b
	}
	return b
}

// Call runs fn for endpoint key under the limiter, retry policy and breaker.
func (g *Guard) Call(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := g.Breaker(key).Execute(func() error {
		return g.retry.Do(ctx, func(ctx context.Context) error {
			if err := g.limiter.Wait(ctx, key); err != nil {
				return err
			}
			return fn(ctx)
		})
	})
	if IsRateLimited(err) {
		g.mu.Lock()
		g.lastThrottled = time.Now()
		g.mu.Unlock()
	}
	if g.OnResult != nil {
		g.OnResult(key, err, time.Since(start))
	}
	return err
}

// States returns a snapshot of every breaker created so far.
func (g *Guard) States() map[string]BreakerState {
	g.mu.Lock()
	keys := make([]string, 0, len(g.breakers))
	for k := range g.breakers {
		keys = append(keys, k)
	}
	g.mu.Unlock()
	sort.Strings(keys)

	out := make(map[string]BreakerState, len(keys))
	for _, k := range keys {
		out[k] = g.Breaker(k).State()
	}
	return out
}

// RateLimited reports whether the upstream throttled us recently or any
// endpoint breaker is open.
func (g *Guard) RateLimited() bool {
	g.mu.Lock()
	recent := !g.lastThrottled.IsZero() && time.Since(g.lastThrottled) < rateLimitedWindow
	g.mu.Unlock()
	if recent {
		return true
	}
	for _, st := range g.States() {
		if st.Status == StatusOpen {
			return true
		}
	}
	return false
}
