package access

import (
	"testing"

	"github.com/stretchr/testify/require"

	"qazna.org/gateway/internal/tier"
)

func account() map[string]any {
	return map[string]any{
		"id":         "acc-1",
		"currency":   "KZT",
		"status":     "active",
		"balance":    "1200.50",
		"created_at": "2024-01-01T00:00:00Z",
		"owner_id":   "user-9",
		"kyc_level":  2,
		"limits":     map[string]any{"daily": "5000"},
	}
}

func TestFilterFieldsByTier(t *testing.T) {
	p := Default()

	pub := p.FilterFields(account(), ResourceAccount, tier.Public)
	require.Equal(t, map[string]any{"id": "acc-1", "currency": "KZT", "status": "active"}, pub)

	buyer := p.FilterFields(account(), ResourceAccount, tier.Buyer)
	require.Contains(t, buyer, "balance")
	require.NotContains(t, buyer, "owner_id")

	owner := p.FilterFields(account(), ResourceAccount, tier.Owner)
	require.Equal(t, account(), owner)
}

func TestFilterFieldsOmitsRatherThanNulls(t *testing.T) {
	out := Default().FilterFields(account(), ResourceAccount, tier.Public)
	_, present := out["balance"]
	require.False(t, present)
}

func TestFilterFieldsIntersectsRecordKeys(t *testing.T) {
	out := Default().FilterFields(map[string]any{"id": "o-1", "unrelated": true}, ResourceOrder, tier.Owner)
	require.Equal(t, map[string]any{"id": "o-1"}, out)
}

func TestFilterFieldsUnknownResourcePassesThrough(t *testing.T) {
	rec := map[string]any{"secret": "x"}
	out := Default().FilterFields(rec, "invoice", tier.Public)
	require.Equal(t, rec, out)
}

func TestFilterFieldsUnknownTierSeesPublic(t *testing.T) {
	p := Default()
	require.Equal(t,
		p.FilterFields(account(), ResourceAccount, tier.Public),
		p.FilterFields(account(), ResourceAccount, tier.Tier("superuser")))
}

func TestFilterFieldsDoesNotMutateInput(t *testing.T) {
	rec := account()
	_ = Default().FilterFields(rec, ResourceAccount, tier.Public)
	require.Equal(t, account(), rec)
}

func TestFilterFieldsIdempotent(t *testing.T) {
	p := Default()
	for _, tr := range tier.All {
		once := p.FilterFields(account(), ResourceAccount, tr)
		twice := p.FilterFields(once, ResourceAccount, tr)
		require.Equal(t, once, twice, tr)
	}
}

func TestTiersAreCumulative(t *testing.T) {
	p := Default()
	for _, res := range []string{ResourceAccount, ResourceTransaction, ResourceOrder, ResourceTrade, ResourceAuditEvent} {
		for i := 1; i < len(tier.All); i++ {
			lower := p.Fields(res, tier.All[i-1])
			upper := p.Fields(res, tier.All[i])
			require.Subset(t, upper, lower, "%s: %s ⊄ %s", res, tier.All[i-1], tier.All[i])
		}
	}
}

func TestFilterAll(t *testing.T) {
	recs := []map[string]any{account(), {"id": "acc-2", "balance": "1"}}
	out := Default().FilterAll(recs, ResourceAccount, tier.Public)
	require.Len(t, out, 2)
	require.Equal(t, map[string]any{"id": "acc-2"}, out[1])
	require.Nil(t, Default().FilterAll(nil, ResourceAccount, tier.Public))
}

func TestRegisterRejectsUnknownTier(t *testing.T) {
	err := NewPolicy().Register("x", Additions{tier.Tier("root"): {"id"}})
	require.Error(t, err)
}
