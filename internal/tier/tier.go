// Package tier defines the visibility tiers attached to every caller identity.
package tier

import "strings"

// Tier is an ordinal access level carried in the token `tier` claim.
type Tier string

const (
	Public  Tier = "public"
	Buyer   Tier = "buyer"
	Auditor Tier = "auditor"
	Owner   Tier = "owner"
)

// All lists the known tiers in ascending order.
var All = []Tier{Public, Buyer, Auditor, Owner}

// Rank returns the ordinal of t, or -1 when t is not a known tier.
func (t Tier) Rank() int {
	switch t {
	case Public:
		return 0
	case Buyer:
		return 1
	case Auditor:
		return 2
	case Owner:
		return 3
	default:
		return -1
	}
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool { return t.Rank() >= 0 }

func (t Tier) String() string { return string(t) }

// Parse normalises raw and reports whether it names a known tier.
func Parse(raw string) (Tier, bool) {
	t := Tier(strings.ToLower(strings.TrimSpace(raw)))
	return t, t.Valid()
}

// OrPublic returns t when known and Public otherwise.
func (t Tier) OrPublic() Tier {
	if t.Valid() {
		return t
	}
	return Public
}

// HasAccess reports whether a caller holding caller may reach something that requires required.
// Unknown tiers never grant access.
func HasAccess(caller, required Tier) bool {
	if !caller.Valid() || !required.Valid() {
		return false
	}
	return caller.Rank() >= required.Rank()
}
