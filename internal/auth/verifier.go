package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"qazna.org/gateway/internal/tier"
)

// Algorithm is the only signature scheme accepted in token headers.
const Algorithm = "ML-DSA-65"

const (
	DefaultIssuer    = "qazna-auth"
	DefaultAudience  = "qazna-gateway"
	DefaultClockSkew = 300 * time.Second
)

// Code classifies a failed verification.
type Code string

const (
	CodeMalformed            Code = "malformed"
	CodeUnsupportedAlgorithm Code = "unsupported_algorithm"
	CodeExpired              Code = "expired"
	CodeIssuedInFuture       Code = "issued_in_future"
	CodeInvalidIssuer        Code = "invalid_issuer"
	CodeInvalidAudience      Code = "invalid_audience"
	CodeInvalidSignature     Code = "invalid_signature"
	CodeUnavailable          Code = "unavailable"
)

// Result is the outcome of Verify. Failed verifications carry a Code and a human-readable Reason;
// they are expected results of untrusted input, not errors.
type Result struct {
	Valid  bool
	Claims *Claims
	Code   Code
	Reason string
}

func failure(code Code, reason string) Result {
	return Result{Code: code, Reason: reason}
}

// SignatureVerifier is the external signature primitive. keyRef identifies the signer's public key.
type SignatureVerifier interface {
	Verify(ctx context.Context, keyRef string, message, signature []byte) (bool, error)
}

// Verifier validates bearer tokens: structure, algorithm, claims and finally the signature.
type Verifier struct {
	sig      SignatureVerifier
	issuer   string
	audience string
	skew     time.Duration
	now      func() time.Time
}

// VerifierOption configures Verifier behavior.
type VerifierOption func(*Verifier)

// WithIssuer overrides the expected iss claim.
func WithIssuer(issuer string) VerifierOption {
	return func(v *Verifier) {
		if s := strings.TrimSpace(issuer); s != "" {
			v.issuer = s
		}
	}
}

// WithAudience overrides the expected aud claim.
func WithAudience(audience string) VerifierOption {
	return func(v *Verifier) {
		if s := strings.TrimSpace(audience); s != "" {
			v.audience = s
		}
	}
}

// WithClockSkew sets the tolerance applied to iat.
func WithClockSkew(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d >= 0 {
			v.skew = d
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if fn != nil {
			v.now = fn
		}
	}
}

// NewVerifier constructs a Verifier backed by the given signature primitive.
func NewVerifier(sig SignatureVerifier, opts ...VerifierOption) (*Verifier, error) {
	if sig == nil {
		return nil, errors.New("auth: signature verifier is required")
	}
	v := &Verifier{
		sig:      sig,
		issuer:   DefaultIssuer,
		audience: DefaultAudience,
		skew:     DefaultClockSkew,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify checks token and returns its claim set on success. Checks run in a fixed order and stop
// at the first failure; the signature is only inspected once every claim passed.
func (v *Verifier) Verify(ctx context.Context, token string) Result {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return failure(CodeMalformed, "Malformed: expected 3 parts")
	}

	var header map[string]json.RawMessage
	if err := decodeSegment(parts[0], &header); err != nil {
		return failure(CodeMalformed, "Malformed header")
	}
	if alg, ok := stringClaim(header["alg"]); !ok || alg != Algorithm {
		return failure(CodeUnsupportedAlgorithm, "Unsupported algorithm: "+claimText(header["alg"]))
	}

	// Claims are read field by field so a well-formed payload with a mistyped claim fails on that
	// claim's own check rather than as malformed.
	var payload map[string]json.RawMessage
	if err := decodeSegment(parts[1], &payload); err != nil {
		return failure(CodeMalformed, "Malformed payload")
	}
	claims := &Claims{}
	claims.Subject, _ = stringClaim(payload["sub"])
	claims.ID, _ = stringClaim(payload["jti"])
	claims.Scope, _ = stringClaim(payload["scope"])
	if t, ok := stringClaim(payload["tier"]); ok {
		claims.Tier = tier.Tier(t)
	}
	if raw, ok := present(payload, "nbf"); ok {
		claims.NotBefore, _ = numericClaim(raw)
	}

	now := v.now().Unix()
	if raw, ok := present(payload, "exp"); ok {
		exp, valid := numericClaim(raw)
		if !valid || exp.Unix() < now {
			return failure(CodeExpired, "Token expired")
		}
		claims.ExpiresAt = exp
	}
	if raw, ok := present(payload, "iat"); ok {
		iat, valid := numericClaim(raw)
		if !valid || iat.Unix() > now+int64(v.skew/time.Second) {
			return failure(CodeIssuedInFuture, "Token issued in the future")
		}
		claims.IssuedAt = iat
	}
	iss, _ := stringClaim(payload["iss"])
	if iss != v.issuer {
		return failure(CodeInvalidIssuer, "Invalid issuer: "+claimText(payload["iss"]))
	}
	claims.Issuer = iss
	if raw, ok := present(payload, "aud"); ok {
		if err := json.Unmarshal(raw, &claims.Audience); err != nil {
			return failure(CodeInvalidAudience, "Invalid audience: "+claimText(raw))
		}
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != v.audience {
		return failure(CodeInvalidAudience, "Invalid audience: "+strings.Join(claims.Audience, ","))
	}

	signed := []byte(parts[0] + "." + parts[1])
	signature, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[2], "="))
	if err != nil {
		return failure(CodeMalformed, "Malformed signature")
	}

	ok, err := v.sig.Verify(ctx, claims.Subject, signed, signature)
	if err != nil {
		return failure(CodeUnavailable, "Signature verification unavailable")
	}
	if !ok {
		return failure(CodeInvalidSignature, "Invalid signature")
	}
	return Result{Valid: true, Claims: claims}
}

// present returns the raw value of key unless it is absent or JSON null.
func present(m map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	raw, ok := m[key]
	if !ok || string(raw) == "null" {
		return nil, false
	}
	return raw, true
}

func stringClaim(raw json.RawMessage) (string, bool) {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return "", false
	}
	return s, true
}

func numericClaim(raw json.RawMessage) (*jwt.NumericDate, bool) {
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, false
	}
	return jwt.NewNumericDate(time.Unix(int64(n), 0)), true
}

// claimText renders a claim for a failure reason: strings verbatim, anything else as its JSON text.
func claimText(raw json.RawMessage) string {
	if s, ok := stringClaim(raw); ok {
		return s
	}
	return string(raw)
}

func decodeSegment(seg string, dst any) error {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(seg, "="))
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
