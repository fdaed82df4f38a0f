package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"qazna.org/gateway/internal/auth"
	"qazna.org/gateway/internal/obs"
	"qazna.org/gateway/internal/ratelimit"
)

const (
	authHeader   = "Authorization"
	apiKeyHeader = "X-API-Key"
	bearer       = "Bearer "
)

// authenticate resolves the caller. Requests without credentials proceed as anonymous public
// callers; a presented token must verify.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get(authHeader))
		var id auth.Identity
		switch {
		case header != "":
			token, err := extractBearerToken(header)
			if err != nil {
				obs.AuthFailures.WithLabelValues(string(auth.CodeMalformed)).Inc()
				writeError(w, r, errTokenInvalid.withDetail(err.Error()))
				return
			}
			res := a.verifier.Verify(r.Context(), token)
			if r.Context().Err() != nil {
				return
			}
			if !res.Valid {
				obs.AuthFailures.WithLabelValues(string(res.Code)).Inc()
				obs.From(r.Context()).Debug("token rejected", zap.String("code", string(res.Code)), zap.String("reason", res.Reason))
				switch res.Code {
				case auth.CodeExpired:
					writeError(w, r, errTokenExpired.withDetail(res.Reason))
				case auth.CodeUnavailable:
					writeError(w, r, errUnavailable.withDetail(res.Reason))
				default:
					writeError(w, r, errTokenInvalid.withDetail(res.Reason))
				}
				return
			}
			id = auth.FromClaims(res.Claims)
			r = r.WithContext(auth.ContextWithToken(r.Context(), token))
		case strings.TrimSpace(r.Header.Get(apiKeyHeader)) != "":
			id = auth.FromAPIKey(r.Header.Get(apiKeyHeader))
		default:
			id = auth.Anonymous()
		}

		rememberIdentity(r.Context(), id)
		ctx := auth.ContextWithIdentity(r.Context(), id)
		if id.Claims != nil {
			ctx = obs.ToContext(ctx, obs.From(ctx).With(zap.String("sub", id.Claims.Subject)))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// limit gates the request on the caller's quota and always sets the quota headers.
func (a *API) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := auth.IdentityFromContext(r.Context())
		d, err := a.limiter.Allow(r.Context(), id.Key, id.Tier)
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			// fail open on store errors
			obs.From(r.Context()).Warn("rate limiter unavailable, allowing request", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		remaining := d.Remaining
		if remaining < 0 {
			remaining = 0
		}
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		if err := d.Err(); err != nil {
			var qe *ratelimit.QuotaExceededError
			secs := 1
			if errors.As(err, &qe) && int(qe.RetryAfter.Seconds()) > 1 {
				secs = int(qe.RetryAfter.Seconds())
			}
			h.Set("Retry-After", strconv.Itoa(secs))
			writeError(w, r, errRateLimited.withDetail("retry after "+strconv.Itoa(secs)+"s").withCause(err))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth rejects callers not satisfying req before the handler runs.
func requireAuth(req auth.Requirement, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := auth.Authorize(auth.IdentityFromContext(r.Context()), req); err != nil {
			writeError(w, r, err)
			return
		}
		next(w, r)
	}
}

// requireToken rejects callers without a verified bearer token.
func requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !auth.IdentityFromContext(r.Context()).Authenticated() {
			writeError(w, r, errUnauthenticated)
			return
		}
		next(w, r)
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
