package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"qazna.org/gateway/internal/obs"
	"qazna.org/gateway/internal/tier"
)

const (
	pruneInterval  = time.Second
	pruneThreshold = 500
	stripes        = 64
)

// SlidingWindow counts each identity's requests inside the window ending at now.
type SlidingWindow struct {
	window   time.Duration
	sweepInt time.Duration
	quotas   Quotas
	store    Store
	now      func() time.Time
	locks    [stripes]sync.Mutex
}

// NewSlidingWindow constructs the canonical limiter.
func NewSlidingWindow(cfg Config, opts ...Option) *SlidingWindow {
	cfg.normalize()
	o := buildOptions(opts)
	return &SlidingWindow{
		window:   cfg.Window,
		sweepInt: cfg.SweepInterval,
		quotas:   cfg.Quotas,
		store:    o.store,
		now:      o.now,
	}
}

func (s *SlidingWindow) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.locks[h.Sum32()%stripes]
}

// Allow records a request for key when its quota permits.
func (s *SlidingWindow) Allow(ctx context.Context, key string, t tier.Tier) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	limit := s.quotas.For(t)

	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	now := s.now()
	windowStart := now.Add(-s.window)

	e, ok := s.store.Get(key)
	if !ok {
		e = &Entry{}
		s.store.Set(key, e)
	}
	if len(e.Stamps) >= pruneThreshold || now.Sub(e.LastPrune) >= pruneInterval {
		e.prune(windowStart, now)
	}
	if len(e.Stamps) >= limit && !e.LastPrune.Equal(now) {
		e.prune(windowStart, now)
	}

	if len(e.Stamps) >= limit {
		resetAt := now.Add(s.window)
		if live := e.live(windowStart); len(live) > 0 {
			resetAt = live[0].Add(s.window)
		}
		d := Decision{
			Limit:      limit,
			ResetAt:    resetAt,
			RetryAfter: retryAfter(resetAt.Sub(now)),
		}
		observe(StrategySliding, t, d)
		return d, nil
	}

	e.Stamps = append(e.Stamps, now)
	// a skipped prune may leave stale stamps in front; headers only count the live ones
	live := e.live(windowStart)
	d := Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(live),
		ResetAt:   live[0].Add(s.window),
	}
	observe(StrategySliding, t, d)
	return d, nil
}

// Sweep forgets identities whose newest request already left the window and returns how many
// were removed.
func (s *SlidingWindow) Sweep(now time.Time) int {
	windowStart := now.Add(-s.window)
	var stale []string
	s.store.Range(func(key string, e *Entry) bool {
		mu := s.lockFor(key)
		mu.Lock()
		newest, ok := e.newest()
		mu.Unlock()
		if !ok || newest.Before(windowStart) {
			stale = append(stale, key)
		}
		return true
	})

	removed := 0
	for _, key := range stale {
		mu := s.lockFor(key)
		mu.Lock()
		if e, ok := s.store.Get(key); ok {
			if newest, has := e.newest(); !has || newest.Before(windowStart) {
				s.store.Delete(key)
				removed++
			}
		}
		mu.Unlock()
	}
	return removed
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *SlidingWindow) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.sweepInt)
	defer ticker.Stop()
	log := obs.From(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.Sweep(s.now()); n > 0 {
				log.Debug("rate limit sweep", zap.Int("removed", n), zap.Int("remaining", s.store.Len()))
			}
		}
	}
}
