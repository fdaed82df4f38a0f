package auth

import (
	"context"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"

	"qazna.org/gateway/internal/tier"
)

// AnonymousKey is the rate-limit key shared by callers presenting no credentials.
const AnonymousKey = "anonymous"

// Identity is the resolved caller of one request.
type Identity struct {
	// Key partitions rate-limit state: token subject, hashed API key or AnonymousKey.
	Key    string
	Tier   tier.Tier
	Claims *Claims
}

// Authenticated reports whether the identity comes from a verified bearer token.
func (i Identity) Authenticated() bool { return i.Claims != nil }

// Anonymous returns the identity used when no credentials were presented.
func Anonymous() Identity {
	return Identity{Key: AnonymousKey, Tier: tier.Public}
}

// FromClaims builds the identity for a verified token.
func FromClaims(c *Claims) Identity {
	return Identity{Key: "sub:" + c.Subject, Tier: c.AccessTier(), Claims: c}
}

// FromAPIKey keys rate limits by a digest of raw so the key itself never sits in memory maps.
func FromAPIKey(raw string) Identity {
	sum := blake2b.Sum256([]byte(strings.TrimSpace(raw)))
	return Identity{Key: "key:" + hex.EncodeToString(sum[:12]), Tier: tier.Public}
}

type identityContextKey struct{}
type tokenContextKey struct{}
type requestIDContextKey struct{}

// ContextWithIdentity attaches the resolved caller to the context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, &id)
}

// IdentityFromContext returns the caller, or Anonymous when none was attached.
func IdentityFromContext(ctx context.Context) Identity {
	if ctx != nil {
		if v, ok := ctx.Value(identityContextKey{}).(*Identity); ok && v != nil {
			return *v
		}
	}
	return Anonymous()
}

// ClaimsFromContext returns verified token claims if the caller presented a bearer token.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	id := IdentityFromContext(ctx)
	if id.Claims == nil {
		return nil, false
	}
	return id.Claims, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// ContextWithRequestID attaches the per-request correlation id.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext returns the correlation id or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDContextKey{}).(string)
	return v
}
