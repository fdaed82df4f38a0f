package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"qazna.org/gateway/internal/tier"
)

// Claims is the decoded payload of a gateway bearer token.
type Claims struct {
	Scope string    `json:"scope,omitempty"`
	Tier  tier.Tier `json:"tier,omitempty"`
	jwt.RegisteredClaims
}

// AccessTier returns the caller tier, treating unknown values as public.
func (c *Claims) AccessTier() tier.Tier {
	if c == nil {
		return tier.Public
	}
	return c.Tier.OrPublic()
}

// Scopes splits the space-delimited scope claim.
func (c *Claims) Scopes() []string {
	if c == nil {
		return nil
	}
	return strings.Fields(c.Scope)
}

// HasScope reports whether scope is granted.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes() {
		if s == scope {
			return true
		}
	}
	return false
}
