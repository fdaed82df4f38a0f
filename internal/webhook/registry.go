package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"qazna.org/gateway/internal/ids"
)

const (
	secretPrefix = "whsec_"
	secretBytes  = 32

	DefaultListLimit = 20
	MaxListLimit     = 100
)

// DefaultEvents is the event-type allow-list used when none is configured.
var DefaultEvents = []string{
	"ledger.account.created",
	"ledger.transfer.completed",
	"order.created",
	"order.filled",
	"order.cancelled",
	"audit.alert",
}

// Registry validates and stores registrations and answers fan-out queries.
type Registry struct {
	store   Store
	allowed map[string]struct{}
	now     func() time.Time
}

// Option configures Registry behavior.
type Option func(*Registry)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRegistry builds a registry accepting the given event types; empty means DefaultEvents.
func NewRegistry(store Store, allowed []string, opts ...Option) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	if len(allowed) == 0 {
		allowed = DefaultEvents
	}
	r := &Registry{
		store:   store,
		allowed: make(map[string]struct{}, len(allowed)),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, e := range allowed {
		if e = strings.TrimSpace(e); e != "" {
			r.allowed[e] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Events returns the allow-list, sorted.
func (r *Registry) Events() []string {
	out := make([]string, 0, len(r.allowed))
	for e := range r.allowed {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Allowed reports whether eventType is on the allow-list.
func (r *Registry) Allowed(eventType string) bool {
	_, ok := r.allowed[eventType]
	return ok
}

// Register validates the input and stores a new active registration. The returned value is the
// only one that carries the secret.
func (r *Registry) Register(ctx context.Context, rawURL string, events []string, owner string) (Registration, error) {
	fields := map[string]string{}
	target, err := validateURL(rawURL)
	if err != nil {
		fields["url"] = err.Error()
	}
	accepted := r.filterEvents(events)
	if len(accepted) == 0 {
		fields["events"] = "at least one supported event type is required"
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		fields["owner"] = "owner is required"
	}
	if len(fields) > 0 {
		return Registration{}, &ValidationError{Fields: fields}
	}

	secret, err := newSecret()
	if err != nil {
		return Registration{}, err
	}
	now := r.now()
	reg := Registration{
		ID:        ids.NewAt(now),
		URL:       target,
		Events:    accepted,
		Secret:    secret,
		Owner:     owner,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.Create(ctx, reg); err != nil {
		return Registration{}, fmt.Errorf("webhook: create: %w", err)
	}
	return reg, nil
}

// Get returns the registration without its secret.
func (r *Registry) Get(ctx context.Context, id string) (Registration, error) {
	reg, err := r.store.Get(ctx, id)
	if err != nil {
		return Registration{}, err
	}
	return reg.Redacted(), nil
}

// GetOwned behaves like Get but reports ErrNotFound for registrations owned by someone else.
func (r *Registry) GetOwned(ctx context.Context, id, owner string) (Registration, error) {
	reg, err := r.Get(ctx, id)
	if err != nil {
		return Registration{}, err
	}
	if reg.Owner != owner {
		return Registration{}, ErrNotFound
	}
	return reg, nil
}

// List returns owner's registrations newest first, resuming strictly after cursor. Up to
// limit+1 items come back so callers can tell whether another page exists.
func (r *Registry) List(ctx context.Context, owner, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	items, total, err := r.store.ListByOwner(ctx, owner, cursor, limit+1)
	if err != nil {
		return Page{}, err
	}
	for i := range items {
		items[i] = items[i].Redacted()
	}
	return Page{Items: items, Total: total}, nil
}

// Delete removes the registration when owner owns it. It reports false for unknown ids and for
// registrations owned by others alike.
func (r *Registry) Delete(ctx context.Context, id, owner string) (bool, error) {
	return r.store.Delete(ctx, id, owner)
}

// Patch describes a partial update; nil fields are left unchanged.
type Patch struct {
	URL    *string
	Events []string
	Active *bool
}

// Update applies patch to a registration owned by owner. Only the patched fields change; the
// store applies them under its per-registration lock.
func (r *Registry) Update(ctx context.Context, id, owner string, patch Patch) (Registration, error) {
	var (
		target string
		events []string
	)
	fields := map[string]string{}
	if patch.URL != nil {
		u, err := validateURL(*patch.URL)
		if err != nil {
			fields["url"] = err.Error()
		}
		target = u
	}
	if patch.Events != nil {
		events = r.filterEvents(patch.Events)
		if len(events) == 0 {
			fields["events"] = "at least one supported event type is required"
		}
	}
	if len(fields) > 0 {
		if _, err := r.GetOwned(ctx, id, owner); err != nil {
			return Registration{}, err
		}
		return Registration{}, &ValidationError{Fields: fields}
	}

	now := r.now()
	reg, err := r.store.Update(ctx, id, owner, func(reg *Registration) {
		if patch.URL != nil {
			reg.URL = target
		}
		if patch.Events != nil {
			reg.Events = events
		}
		if patch.Active != nil {
			reg.Active = *patch.Active
		}
		reg.UpdatedAt = now
	})
	if err != nil {
		return Registration{}, err
	}
	return reg.Redacted(), nil
}

// Deactivate stops fan-out to the registration without deleting its history.
func (r *Registry) Deactivate(ctx context.Context, id, owner string) (Registration, error) {
	inactive := false
	return r.Update(ctx, id, owner, Patch{Active: &inactive})
}

// SubscribersFor returns active registrations subscribed to eventType, secrets included.
func (r *Registry) SubscribersFor(ctx context.Context, eventType string) ([]Registration, error) {
	if !r.Allowed(eventType) {
		return nil, nil
	}
	return r.store.Subscribers(ctx, eventType)
}

// RecordDelivery stores or updates a delivery record.
func (r *Registry) RecordDelivery(ctx context.Context, d Delivery) error {
	return r.store.SaveDelivery(ctx, d)
}

// Deliveries lists delivery history of a registration owned by owner.
func (r *Registry) Deliveries(ctx context.Context, id, owner string) ([]Delivery, error) {
	if _, err := r.GetOwned(ctx, id, owner); err != nil {
		return nil, err
	}
	return r.store.Deliveries(ctx, id)
}

func (r *Registry) filterEvents(events []string) []string {
	seen := make(map[string]struct{}, len(events))
	out := make([]string, 0, len(events))
	for _, e := range events {
		e = strings.TrimSpace(e)
		if _, ok := r.allowed[e]; !ok {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

func validateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url is required")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return "", fmt.Errorf("url is not a valid absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("url scheme must be http or https")
	}
	if u.Host == "" {
		return "", fmt.Errorf("url host is required")
	}
	return u.String(), nil
}

func newSecret() (string, error) {
	var b [secretBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("webhook: generate secret: %w", err)
	}
	return secretPrefix + hex.EncodeToString(b[:]), nil
}
