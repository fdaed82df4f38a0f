package auth

import (
	"fmt"

	"qazna.org/gateway/internal/tier"
)

// Requirement describes what a route demands of its caller. A caller satisfies it by holding at
// least Tier, or by carrying Scope in its token when Scope is set.
type Requirement struct {
	Tier  tier.Tier
	Scope string
}

// Authorize checks the identity against req.
func Authorize(id Identity, req Requirement) error {
	if tier.HasAccess(id.Tier, req.Tier) {
		return nil
	}
	if req.Scope != "" && id.Claims.HasScope(req.Scope) {
		return nil
	}
	if !id.Authenticated() {
		return ErrUnauthenticated
	}
	return fmt.Errorf("%w: tier %s below %s", ErrForbidden, id.Tier, req.Tier)
}
