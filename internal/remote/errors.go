package remote

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrNotFound         = errors.New("remote: not found")
	ErrInvalidArgument  = errors.New("remote: invalid argument")
	ErrPermissionDenied = errors.New("remote: permission denied")
	ErrConflict         = errors.New("remote: conflict")
	ErrUnavailable      = errors.New("remote: unavailable")
	ErrTimeout          = errors.New("remote: deadline exceeded")
)

// Error describes a failed backend invocation.
type Error struct {
	Service string
	Method  string
	Code    codes.Code
	Message string
	kind    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote %s/%s: %s: %s", e.Service, e.Method, e.Code, e.Message)
}

// Unwrap exposes the sentinel matching the gRPC code, if any.
func (e *Error) Unwrap() error { return e.kind }

func mapError(service, method string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return &Error{Service: service, Method: method, Code: codes.Unknown, Message: err.Error(), kind: err}
	}
	out := &Error{Service: service, Method: method, Code: st.Code(), Message: st.Message()}
	switch st.Code() {
	case codes.NotFound:
		out.kind = ErrNotFound
	case codes.InvalidArgument, codes.OutOfRange:
		out.kind = ErrInvalidArgument
	case codes.PermissionDenied, codes.Unauthenticated:
		out.kind = ErrPermissionDenied
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		out.kind = ErrConflict
	case codes.Unavailable, codes.ResourceExhausted:
		out.kind = ErrUnavailable
	case codes.DeadlineExceeded, codes.Canceled:
		out.kind = ErrTimeout
	}
	return out
}
