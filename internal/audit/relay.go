// Package audit relays access-log records to the audit backend without ever blocking a request.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"qazna.org/gateway/internal/auth"
	"qazna.org/gateway/internal/obs"
)

// Record is one access-log entry.
type Record struct {
	Event      string
	RequestID  string
	Subject    string
	Tier       string
	Method     string
	Path       string
	Status     int
	Duration   time.Duration
	IP         string
	OccurredAt time.Time
	Fields     map[string]any
}

// Payload renders the record for the backend.
func (r Record) Payload() map[string]any {
	out := map[string]any{
		"event":       r.Event,
		"request_id":  r.RequestID,
		"subject":     r.Subject,
		"tier":        r.Tier,
		"method":      r.Method,
		"path":        r.Path,
		"status":      r.Status,
		"duration_ms": float64(r.Duration.Microseconds()) / 1000,
		"ip":          r.IP,
		"occurred_at": r.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if len(r.Fields) > 0 {
		fields := make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			fields[k] = v
		}
		out["fields"] = fields
	}
	return out
}

// Sink accepts records drained from the relay queue.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 2 * time.Second
)

// Relay buffers records in a bounded queue drained by Run. Emit never blocks: a full queue
// drops the record.
type Relay struct {
	queue   chan Record
	sink    Sink
	timeout time.Duration
	now     func() time.Time
}

// Option configures Relay behavior.
type Option func(*Relay)

// WithQueueSize bounds the number of records waiting for the sink.
func WithQueueSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.queue = make(chan Record, n)
		}
	}
}

// WithWriteTimeout bounds each Sink.Write call.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Relay) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRelay constructs a relay writing to sink.
func NewRelay(sink Sink, opts ...Option) *Relay {
	r := &Relay{
		queue:   make(chan Record, defaultQueueSize),
		sink:    sink,
		timeout: defaultWriteTimeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Emit enqueues rec and reports whether it was accepted.
func (r *Relay) Emit(rec Record) bool {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = r.now()
	}
	select {
	case r.queue <- rec:
		return true
	default:
		obs.AuditDropped.Inc()
		obs.Logger().Warn("audit queue full, record dropped",
			zap.String("request_id", rec.RequestID), zap.String("path", rec.Path))
		return false
	}
}

// Event emits a domain audit event enriched with the caller identity found in ctx.
func (r *Relay) Event(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return fmt.Errorf("audit: event name is required")
	}
	id := auth.IdentityFromContext(ctx)
	rec := Record{
		Event:     event,
		RequestID: auth.RequestIDFromContext(ctx),
		Subject:   id.Key,
		Tier:      string(id.Tier),
		Fields:    fields,
	}
	r.Emit(rec)
	return nil
}

// Pending returns the number of queued records.
func (r *Relay) Pending() int { return len(r.queue) }

// Run drains the queue into the sink until ctx ends, then flushes what is left.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.flush(context.WithoutCancel(ctx))
			return nil
		case rec := <-r.queue:
			r.write(ctx, rec)
		}
	}
}

func (r *Relay) flush(ctx context.Context) {
	for {
		select {
		case rec := <-r.queue:
			r.write(ctx, rec)
		default:
			return
		}
	}
}

func (r *Relay) write(ctx context.Context, rec Record) {
	wctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	defer func() {
		if v := recover(); v != nil {
			obs.AuditSinkFailures.Inc()
			obs.From(ctx).Error("audit sink panic", zap.Any("panic", v), zap.String("request_id", rec.RequestID))
		}
	}()
	if err := r.sink.Write(wctx, rec); err != nil {
		obs.AuditSinkFailures.Inc()
		obs.From(ctx).Warn("audit sink write failed", zap.Error(err), zap.String("request_id", rec.RequestID))
	}
}
