// Package webhook keeps outbound webhook subscriptions and selects the subscribers of each event.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("webhook: not found")
	ErrInvalidInput = errors.New("webhook: invalid input")
)

// ValidationError reports per-field problems with registration input.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "webhook: invalid input: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// Registration is one subscription of a target URL to a set of event types.
type Registration struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"secret,omitempty"`
	Owner     string    `json:"owner"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Subscribed reports whether the registration lists eventType.
func (r Registration) Subscribed(eventType string) bool {
	for _, e := range r.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Redacted returns a copy without the secret.
func (r Registration) Redacted() Registration {
	r.Secret = ""
	r.Events = append([]string(nil), r.Events...)
	return r
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Delivery records one attempt to notify a registration of an event.
type Delivery struct {
	ID             string         `json:"id"`
	RegistrationID string         `json:"registration_id"`
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Page is one slice of an owner's registrations. Items may hold one element more than the
// requested limit; its presence means another page exists.
type Page struct {
	Items []Registration
	Total int
}

// Store persists registrations and their delivery history. Implementations serialize mutations
// of a single registration against concurrent reads of it.
type Store interface {
	Create(ctx context.Context, reg Registration) error
	Get(ctx context.Context, id string) (Registration, error)
	// Update applies apply to the registration owned by owner while holding it exclusively and
	// returns the stored result. A missing or foreign registration yields ErrNotFound.
	Update(ctx context.Context, id, owner string, apply func(*Registration)) (Registration, error)
	// Delete removes the registration owned by owner together with its deliveries.
	Delete(ctx context.Context, id, owner string) (bool, error)
	// ListByOwner returns up to limit registrations newest first, strictly after cursor, plus the
	// owner's total.
	ListByOwner(ctx context.Context, owner, cursor string, limit int) ([]Registration, int, error)
	// Subscribers returns active registrations subscribed to eventType.
	Subscribers(ctx context.Context, eventType string) ([]Registration, error)
	SaveDelivery(ctx context.Context, d Delivery) error
	Deliveries(ctx context.Context, registrationID string) ([]Delivery, error)
}

// newestFirst orders by creation time descending, breaking ties by id descending.
func newestFirst(items []Registration) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})
}
