package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"qazna.org/gateway/internal/auth"
	"qazna.org/gateway/internal/obs"
	"qazna.org/gateway/internal/remote"
	"qazna.org/gateway/internal/webhook"
)

// apiError is the envelope of every error response.
type apiError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Detail    string            `json:"detail,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`

	status int
	err    error
}

func (e *apiError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *apiError) Unwrap() error { return e.err }

func newError(status int, code, message string) *apiError {
	return &apiError{status: status, Code: code, Message: message}
}

// withDetail returns a copy so the predefined values stay untouched.
func (e *apiError) withDetail(detail string) *apiError {
	out := *e
	out.Detail = detail
	return &out
}

func (e *apiError) withCause(err error) *apiError {
	out := *e
	out.err = err
	return &out
}

var (
	errBadRequest       = newError(http.StatusBadRequest, "BAD_REQUEST", "The request is malformed.")
	errValidation       = newError(http.StatusBadRequest, "VALIDATION_FAILED", "One or more fields are invalid.")
	errTokenInvalid     = newError(http.StatusUnauthorized, "TOKEN_INVALID", "The bearer token is invalid.")
	errTokenExpired     = newError(http.StatusUnauthorized, "TOKEN_EXPIRED", "The bearer token has expired.")
	errUnauthenticated  = newError(http.StatusUnauthorized, "UNAUTHENTICATED", "Authentication is required.")
	errForbidden        = newError(http.StatusForbidden, "FORBIDDEN", "The caller may not perform this operation.")
	errNotFound         = newError(http.StatusNotFound, "NOT_FOUND", "Resource not found.")
	errMethodNotAllowed = newError(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed.")
	errConflict         = newError(http.StatusConflict, "CONFLICT", "The request conflicts with the resource state.")
	errRateLimited      = newError(http.StatusTooManyRequests, "RATE_LIMITED", "Request quota exhausted.")
	errFlood            = newError(http.StatusTooManyRequests, "TOO_MANY_REQUESTS", "Too many requests from this address.")
	errInternal         = newError(http.StatusInternalServerError, "INTERNAL", "Internal server error.")
	errBadGateway       = newError(http.StatusBadGateway, "BACKEND_UNAVAILABLE", "The backend could not complete the request.")
	errGatewayTimeout   = newError(http.StatusGatewayTimeout, "BACKEND_TIMEOUT", "The backend did not answer in time.")
	errUnavailable      = newError(http.StatusServiceUnavailable, "UNAVAILABLE", "The service is temporarily unavailable.")
)

// fromError maps errors of the lower layers onto the envelope.
func fromError(err error) *apiError {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}
	var ve *webhook.ValidationError
	switch {
	case errors.As(err, &ve):
		out := errValidation.withCause(err)
		out.Fields = ve.Fields
		return out
	case errors.Is(err, webhook.ErrNotFound), errors.Is(err, remote.ErrNotFound):
		return errNotFound.withCause(err)
	case errors.Is(err, webhook.ErrInvalidInput):
		return errValidation.withCause(err)
	case errors.Is(err, auth.ErrUnauthenticated):
		return errUnauthenticated.withCause(err)
	case errors.Is(err, auth.ErrForbidden), errors.Is(err, remote.ErrPermissionDenied):
		return errForbidden.withCause(err)
	case errors.Is(err, remote.ErrInvalidArgument):
		return errBadRequest.withDetail(remoteMessage(err)).withCause(err)
	case errors.Is(err, remote.ErrConflict):
		return errConflict.withDetail(remoteMessage(err)).withCause(err)
	case errors.Is(err, remote.ErrTimeout):
		return errGatewayTimeout.withCause(err)
	case errors.Is(err, remote.ErrUnavailable):
		return errBadGateway.withCause(err)
	}
	var re *remote.Error
	if errors.As(err, &re) {
		return errBadGateway.withCause(err)
	}
	return errInternal.withCause(err)
}

func remoteMessage(err error) string {
	var re *remote.Error
	if errors.As(err, &re) {
		return re.Message
	}
	return ""
}

// writeError renders err with the request's correlation id. Server-side failures are logged.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae := fromError(err)
	out := *ae
	out.RequestID = auth.RequestIDFromContext(r.Context())
	if out.status >= http.StatusInternalServerError {
		obs.From(r.Context()).Warn("request failed",
			zap.String("code", out.Code),
			zap.Int("status", out.status),
			zap.Error(out.err),
		)
	}
	if out.status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="qazna"`)
	}
	writeJSON(w, out.status, &out)
}
