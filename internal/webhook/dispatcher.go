package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"qazna.org/gateway/internal/events"
	"qazna.org/gateway/internal/ids"
	"qazna.org/gateway/internal/obs"
)

// Deliverer hands one event to one subscriber. Transport and retries live behind it.
// sentAt is the dispatcher's clock reading for the attempt and is what signatures carry.
type Deliverer interface {
	Deliver(ctx context.Context, reg Registration, evt events.Event, sentAt time.Time) error
}

// SignatureHeader is the header outbound deliveries carry their signature in.
const SignatureHeader = "X-Qazna-Signature"

// Sign returns the signature header value for body sent at ts: "t=<unix>,v1=<hex hmac>".
func Sign(secret string, ts time.Time, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	unix := strconv.FormatInt(ts.Unix(), 10)
	mac.Write([]byte(unix))
	mac.Write([]byte("."))
	mac.Write(body)
	return "t=" + unix + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

// LogDeliverer logs what would have been sent.
type LogDeliverer struct{}

func (LogDeliverer) Deliver(ctx context.Context, reg Registration, evt events.Event, sentAt time.Time) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	obs.From(ctx).Info("webhook delivery",
		zap.String("registration_id", reg.ID),
		zap.String("url", reg.URL),
		zap.String("event_id", evt.ID),
		zap.String("event_type", evt.Type),
		zap.Int("bytes", len(body)),
		zap.String(SignatureHeader, Sign(reg.Secret, sentAt, body)),
	)
	return nil
}

// Dispatcher fans bus events out to matching registrations.
type Dispatcher struct {
	registry    *Registry
	deliverer   Deliverer
	concurrency int
	timeout     time.Duration
	now         func() time.Time
}

// DispatcherOption configures Dispatcher behavior.
type DispatcherOption func(*Dispatcher)

// WithConcurrency bounds simultaneous deliveries per event.
func WithConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithDeliveryTimeout bounds each Deliver call.
func WithDeliveryTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithDispatchClock overrides time source (useful for tests).
func WithDispatchClock(fn func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if fn != nil {
			d.now = fn
		}
	}
}

// NewDispatcher wires registry to deliverer; nil deliverer means LogDeliverer.
func NewDispatcher(registry *Registry, deliverer Deliverer, opts ...DispatcherOption) *Dispatcher {
	if deliverer == nil {
		deliverer = LogDeliverer{}
	}
	d := &Dispatcher{
		registry:    registry,
		deliverer:   deliverer,
		concurrency: 8,
		timeout:     10 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run consumes bus until ctx ends.
func (d *Dispatcher) Run(ctx context.Context, bus *events.Bus) error {
	for evt := range bus.Subscribe(ctx, 256) {
		if err := d.Dispatch(ctx, evt); err != nil && ctx.Err() == nil {
			obs.From(ctx).Warn("webhook dispatch failed", zap.String("event_type", evt.Type), zap.Error(err))
		}
	}
	return nil
}

// Dispatch delivers evt to every current subscriber and returns once all attempts finished.
func (d *Dispatcher) Dispatch(ctx context.Context, evt events.Event) error {
	subs, err := d.registry.SubscribersFor(ctx, evt.Type)
	if err != nil {
		return err
	}
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for _, reg := range subs {
		g.Go(func() error {
			d.deliver(ctx, reg, evt)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, reg Registration, evt events.Event) {
	log := obs.From(ctx).With(zap.String("registration_id", reg.ID), zap.String("event_id", evt.ID))
	now := d.now()
	rec := Delivery{
		ID:             ids.NewAt(now),
		RegistrationID: reg.ID,
		EventID:        evt.ID,
		EventType:      evt.Type,
		Status:         DeliveryPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.registry.RecordDelivery(ctx, rec); err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Warn("record delivery", zap.Error(err))
		}
		// Registration vanished since selection.
		return
	}

	dctx, cancel := context.WithTimeout(ctx, d.timeout)
	err := d.deliverer.Deliver(dctx, reg, evt, now)
	cancel()

	rec.Attempts = 1
	rec.UpdatedAt = d.now()
	if err != nil {
		rec.Status = DeliveryFailed
		rec.LastError = err.Error()
		log.Warn("webhook delivery failed", zap.Error(err))
	} else {
		rec.Status = DeliveryDelivered
	}
	obs.WebhookDeliveries.WithLabelValues(string(rec.Status)).Inc()
	if err := d.registry.RecordDelivery(ctx, rec); err != nil && !errors.Is(err, ErrNotFound) {
		log.Warn("record delivery", zap.Error(err))
	}
}
