package remote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"qazna.org/gateway/internal/auth"
	"qazna.org/gateway/internal/obs"
)

// Invoker is the opaque RPC contract the gateway uses to reach domain backends.
type Invoker interface {
	Invoke(ctx context.Context, service, method string, payload map[string]any) (map[string]any, error)
}

// Metadata keys carrying the caller identity to the backend.
const (
	MDSubject   = "x-gateway-subject"
	MDTier      = "x-gateway-tier"
	MDRequestID = "x-request-id"
)

// Client wraps a gRPC connection and calls generic Struct-in/Struct-out methods.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// Option configures Client.
type Option func(*Client)

// WithTimeout bounds every invocation that arrives without its own deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Dial creates a new client with sensible defaults (insecure transport).
func Dial(target string, dialOpts []grpc.DialOption, opts ...Option) (*Client, error) {
	if len(dialOpts) == 0 {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("remote: dial %s: %w", target, err)
	}
	return NewClient(conn, opts...), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn, opts ...Option) *Client {
	c := &Client{conn: conn, timeout: 10 * time.Second}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Invoke calls /<service>/<method> with payload encoded as google.protobuf.Struct.
func (c *Client) Invoke(ctx context.Context, service, method string, payload map[string]any) (map[string]any, error) {
	service = strings.TrimSpace(service)
	method = strings.TrimSpace(method)
	if service == "" || method == "" {
		return nil, fmt.Errorf("remote: service and method are required: %w", ErrInvalidArgument)
	}
	in, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, fmt.Errorf("remote: encode payload: %v: %w", err, ErrInvalidArgument)
	}
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	ctx = outgoingWithIdentity(ctx)

	start := time.Now()
	out := &structpb.Struct{}
	err = c.conn.Invoke(ctx, "/"+service+"/"+method, in, out)
	obs.RemoteCalls.WithLabelValues(service, method, status.Code(err).String()).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, mapError(service, method, err)
	}
	return out.AsMap(), nil
}

func outgoingWithIdentity(ctx context.Context) context.Context {
	id := auth.IdentityFromContext(ctx)
	pairs := []string{MDTier, id.Tier.String()}
	if id.Claims != nil {
		pairs = append(pairs, MDSubject, id.Claims.Subject)
	}
	if rid := auth.RequestIDFromContext(ctx); rid != "" {
		pairs = append(pairs, MDRequestID, rid)
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}
