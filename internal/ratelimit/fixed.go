package ratelimit

import (
	"context"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"qazna.org/gateway/internal/tier"
)

// FixedWindow counts requests per key inside aligned windows. Cheaper than SlidingWindow but
// admits up to twice the quota across a window boundary.
type FixedWindow struct {
	window time.Duration
	quotas Quotas
	c      *gocache.Cache
	now    func() time.Time
}

// NewFixedWindow constructs an in-process fixed window limiter.
func NewFixedWindow(cfg Config, opts ...Option) *FixedWindow {
	cfg.normalize()
	o := buildOptions(opts)
	return &FixedWindow{
		window: cfg.Window,
		quotas: cfg.Quotas,
		c:      gocache.New(cfg.Window, cfg.SweepInterval),
		now:    o.now,
	}
}

func (f *FixedWindow) Allow(ctx context.Context, key string, t tier.Tier) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	limit := f.quotas.For(t)
	now := f.now()
	winStart := now.Truncate(f.window)
	resetAt := winStart.Add(f.window)
	cacheKey := key + ":" + strconv.FormatInt(winStart.Unix(), 10)

	hits, err := f.incr(cacheKey, resetAt.Sub(now))
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed:   hits <= limit,
		Limit:     limit,
		Remaining: max(limit-hits, 0),
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = retryAfter(resetAt.Sub(now))
	}
	observe(StrategyFixed, t, d)
	return d, nil
}

// incr bumps the counter, creating it with ttl on the first hit of the window.
func (f *FixedWindow) incr(key string, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		ttl = time.Second
	}
	for {
		if err := f.c.Add(key, 1, ttl); err == nil {
			return 1, nil
		}
		n, err := f.c.IncrementInt(key, 1)
		if err == nil {
			return n, nil
		}
		// Expired between Add and IncrementInt; start the window again.
	}
}

// Run is a no-op loop; go-cache evicts expired windows on its own janitor.
func (f *FixedWindow) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
