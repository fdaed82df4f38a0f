// Package ratelimit gates requests per caller identity with tier-derived quotas.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"qazna.org/gateway/internal/obs"
	"qazna.org/gateway/internal/tier"
)

const (
	StrategySliding      = "sliding"
	StrategyFixed        = "fixed"
	StrategyRedisSliding = "redis-sliding"
	StrategyRedisFixed   = "redis-fixed"

	DefaultWindow        = time.Minute
	DefaultSweepInterval = time.Minute
	DefaultQuota         = 20
)

// ErrQuotaExceeded is matched by every *QuotaExceededError.
var ErrQuotaExceeded = errors.New("ratelimit: quota exceeded")

// Limiter decides whether the identity key may proceed right now.
type Limiter interface {
	Allow(ctx context.Context, key string, t tier.Tier) (Decision, error)
}

// Decision reports the outcome together with the values for the quota headers.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Err returns nil for allowed decisions and a *QuotaExceededError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &QuotaExceededError{Limit: d.Limit, RetryAfter: d.RetryAfter}
}

// QuotaExceededError carries the retry hint for a denied request.
type QuotaExceededError struct {
	Limit      int
	RetryAfter time.Duration
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("ratelimit: quota of %d exceeded, retry after %s", e.Limit, e.RetryAfter)
}

func (e *QuotaExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

// Quotas maps tiers to request counts per window. PerTier always wins; Default only covers
// tiers absent from the table.
type Quotas struct {
	PerTier map[tier.Tier]int
	Default int
}

// DefaultQuotas returns the standard table.
func DefaultQuotas() Quotas {
	return Quotas{
		PerTier: map[tier.Tier]int{
			tier.Public:  20,
			tier.Buyer:   50,
			tier.Auditor: 100,
			tier.Owner:   200,
		},
		Default: DefaultQuota,
	}
}

// For resolves the effective quota of t.
func (q Quotas) For(t tier.Tier) int {
	if n, ok := q.PerTier[t]; ok && n > 0 {
		return n
	}
	if q.Default > 0 {
		return q.Default
	}
	return DefaultQuota
}

// Config selects and tunes a strategy.
type Config struct {
	Strategy      string
	Window        time.Duration
	SweepInterval time.Duration
	Quotas        Quotas
	RedisPrefix   string
}

func (c *Config) normalize() {
	c.Strategy = strings.ToLower(strings.TrimSpace(c.Strategy))
	if c.Strategy == "" {
		c.Strategy = StrategySliding
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Quotas.PerTier == nil {
		c.Quotas = DefaultQuotas()
	}
	if c.RedisPrefix == "" {
		c.RedisPrefix = "rl:"
	}
}

// Option configures limiter construction.
type Option func(*options)

type options struct {
	now   func() time.Time
	store Store
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(o *options) {
		if fn != nil {
			o.now = fn
		}
	}
}

// WithStore replaces the in-memory entry store of the sliding window.
func WithStore(s Store) Option {
	return func(o *options) {
		if s != nil {
			o.store = s
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = NewMemoryStore()
	}
	return o
}

// New builds the limiter named by cfg.Strategy. client is only required for redis strategies.
func New(cfg Config, client redis.UniversalClient, opts ...Option) (Limiter, error) {
	cfg.normalize()
	switch cfg.Strategy {
	case StrategySliding:
		return NewSlidingWindow(cfg, opts...), nil
	case StrategyFixed:
		return NewFixedWindow(cfg, opts...), nil
	case StrategyRedisSliding, StrategyRedisFixed:
		if client == nil {
			return nil, fmt.Errorf("ratelimit: strategy %q requires a redis client", cfg.Strategy)
		}
		if cfg.Strategy == StrategyRedisSliding {
			return NewRedisSlidingWindow(client, cfg, opts...), nil
		}
		return NewRedisFixedWindow(client, cfg, opts...), nil
	default:
		return nil, fmt.Errorf("ratelimit: unknown strategy %q", cfg.Strategy)
	}
}

// retryAfter rounds d up to whole seconds with a floor of one second.
func retryAfter(d time.Duration) time.Duration {
	secs := math.Ceil(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

func observe(strategy string, t tier.Tier, d Decision) {
	outcome := "allowed"
	if !d.Allowed {
		outcome = "denied"
	}
	label := string(t)
	if !t.Valid() {
		label = "unknown"
	}
	obs.RateLimitDecisions.WithLabelValues(strategy, label, outcome).Inc()
}
