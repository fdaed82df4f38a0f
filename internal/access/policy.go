// Package access trims backend records down to the fields a caller's tier may see.
package access

import (
	"fmt"
	"sync"

	"qazna.org/gateway/internal/tier"
)

const (
	ResourceAccount     = "account"
	ResourceTransaction = "transaction"
	ResourceOrder       = "order"
	ResourceTrade       = "trade"
	ResourceAuditEvent  = "audit_event"
)

// Additions lists the fields each tier adds on top of the tier below it.
type Additions map[tier.Tier][]string

// Policy maps resource → tier → visible fields. Field sets are cumulative: each tier sees
// everything the tiers below it see.
type Policy struct {
	mu        sync.RWMutex
	resources map[string]map[tier.Tier]map[string]struct{}
}

// NewPolicy returns an empty policy.
func NewPolicy() *Policy {
	return &Policy{resources: make(map[string]map[tier.Tier]map[string]struct{})}
}

// Register defines resource from per-tier additions. Re-registering a resource replaces it.
func (p *Policy) Register(resource string, add Additions) error {
	if resource == "" {
		return fmt.Errorf("access: resource name is required")
	}
	for t := range add {
		if !t.Valid() {
			return fmt.Errorf("access: resource %s: unknown tier %q", resource, t)
		}
	}

	visible := make(map[tier.Tier]map[string]struct{}, len(tier.All))
	acc := make(map[string]struct{})
	for _, t := range tier.All {
		for _, f := range add[t] {
			acc[f] = struct{}{}
		}
		set := make(map[string]struct{}, len(acc))
		for f := range acc {
			set[f] = struct{}{}
		}
		visible[t] = set
	}

	p.mu.Lock()
	p.resources[resource] = visible
	p.mu.Unlock()
	return nil
}

// Known reports whether resource has a registered field map.
func (p *Policy) Known(resource string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.resources[resource]
	return ok
}

// Fields returns the visible field names, or nil for unknown resources.
func (p *Policy) Fields(resource string, t tier.Tier) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	byTier, ok := p.resources[resource]
	if !ok {
		return nil
	}
	set := byTier[t.OrPublic()]
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	return out
}

// FilterFields returns a new record holding only the fields t may see. Records of unregistered
// resources pass through unchanged. Unknown tiers see what public sees.
func (p *Policy) FilterFields(record map[string]any, resource string, t tier.Tier) map[string]any {
	if record == nil {
		return nil
	}
	p.mu.RLock()
	byTier, ok := p.resources[resource]
	p.mu.RUnlock()
	if !ok {
		return record
	}
	allowed := byTier[t.OrPublic()]
	out := make(map[string]any, len(allowed))
	for k, v := range record {
		if _, ok := allowed[k]; ok {
			out[k] = v
		}
	}
	return out
}

// FilterAll applies FilterFields to each record.
func (p *Policy) FilterAll(records []map[string]any, resource string, t tier.Tier) []map[string]any {
	if records == nil {
		return nil
	}
	out := make([]map[string]any, len(records))
	for i, r := range records {
		out[i] = p.FilterFields(r, resource, t)
	}
	return out
}

// Default returns the policy for the backend resources exposed by the gateway.
func Default() *Policy {
	p := NewPolicy()
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(p.Register(ResourceAccount, Additions{
		tier.Public:  {"id", "currency", "status"},
		tier.Buyer:   {"balance", "created_at"},
		tier.Auditor: {"owner_id", "kyc_level", "updated_at"},
		tier.Owner:   {"limits", "metadata"},
	}))
	must(p.Register(ResourceTransaction, Additions{
		tier.Public:  {"id", "currency", "amount", "created_at"},
		tier.Buyer:   {"from_account_id", "to_account_id", "sequence"},
		tier.Auditor: {"idempotency_key", "initiated_by"},
		tier.Owner:   {"risk_score"},
	}))
	must(p.Register(ResourceOrder, Additions{
		tier.Public:  {"id", "market", "side", "price", "status"},
		tier.Buyer:   {"quantity", "filled_quantity", "created_at"},
		tier.Auditor: {"account_id", "client_order_id"},
		tier.Owner:   {"fee_schedule", "internal_notes"},
	}))
	must(p.Register(ResourceTrade, Additions{
		tier.Public:  {"id", "market", "price", "quantity", "executed_at"},
		tier.Buyer:   {"side", "order_id"},
		tier.Auditor: {"buyer_account_id", "seller_account_id", "fee"},
		tier.Owner:   {"match_latency_us", "internal_notes"},
	}))
	must(p.Register(ResourceAuditEvent, Additions{
		tier.Public:  {"id", "action", "occurred_at"},
		tier.Buyer:   {"resource_type"},
		tier.Auditor: {"actor", "resource_id", "metadata", "trace_id"},
		tier.Owner:   {"source_ip"},
	}))
	return p
}
