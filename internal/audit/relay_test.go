package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"qazna.org/gateway/internal/auth"
	"qazna.org/gateway/internal/obs"
	"qazna.org/gateway/internal/tier"
)

type captureSink struct {
	mu      sync.Mutex
	records []Record
	err     error
	block   chan struct{}
}

func (s *captureSink) Write(ctx context.Context, rec Record) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.err
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestEmitNeverBlocksAndDropsWhenFull(t *testing.T) {
	sink := &captureSink{}
	relay := NewRelay(sink, WithQueueSize(2))

	accepted := make(chan []bool, 1)
	go func() {
		accepted <- []bool{
			relay.Emit(Record{RequestID: "1"}),
			relay.Emit(Record{RequestID: "2"}),
			relay.Emit(Record{RequestID: "3"}),
		}
	}()
	select {
	case got := <-accepted:
		require.Equal(t, []bool{true, true, false}, got)
	case <-time.After(time.Second):
		t.Fatal("Emit blocked without a running worker")
	}
	require.Equal(t, 2, relay.Pending())
}

func TestRunDeliversAndFlushesOnShutdown(t *testing.T) {
	sink := &captureSink{}
	relay := NewRelay(sink)
	ctx, cancel := context.WithCancel(context.Background())

	for i := 0; i < 5; i++ {
		relay.Emit(Record{Path: "/v1/orders", Status: 200})
	}
	stopped := make(chan struct{})
	go func() {
		_ = relay.Run(ctx)
		close(stopped)
	}()
	require.Eventually(t, func() bool { return sink.count() == 5 }, time.Second, 5*time.Millisecond)

	relay.Emit(Record{Path: "/late"})
	cancel()
	<-stopped
	require.Equal(t, 0, relay.Pending())
	require.GreaterOrEqual(t, sink.count(), 5)
}

func TestSinkFailuresAreLoggedNotSurfaced(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	restore := obs.ReplaceLogger(zap.New(core))
	defer restore()

	sink := &captureSink{err: errors.New("audit backend down")}
	relay := NewRelay(sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = relay.Run(ctx) }()

	require.True(t, relay.Emit(Record{RequestID: "req-9"}))
	require.Eventually(t, func() bool {
		return logs.FilterMessage("audit sink write failed").Len() == 1
	}, time.Second, 5*time.Millisecond)
	entry := logs.FilterMessage("audit sink write failed").All()[0]
	require.Equal(t, "req-9", entry.ContextMap()["request_id"])
}

func TestWriteTimeoutBoundsSlowSink(t *testing.T) {
	sink := &captureSink{block: make(chan struct{})}
	relay := NewRelay(sink, WithWriteTimeout(10*time.Millisecond))
	start := time.Now()
	relay.write(context.Background(), Record{})
	require.Less(t, time.Since(start), time.Second)
}

func TestEventUsesIdentityFromContext(t *testing.T) {
	relay := NewRelay(&captureSink{}, WithClock(func() time.Time { return time.Unix(100, 0) }))
	ctx := auth.ContextWithIdentity(context.Background(), auth.Identity{Key: "sub:u1", Tier: tier.Owner})
	ctx = auth.ContextWithRequestID(ctx, "req-1")

	require.NoError(t, relay.Event(ctx, "webhook.registered", map[string]any{"id": "w1"}))
	require.Error(t, relay.Event(ctx, " ", nil))

	rec := <-relay.queue
	require.Equal(t, "webhook.registered", rec.Event)
	require.Equal(t, "sub:u1", rec.Subject)
	require.Equal(t, "owner", rec.Tier)
	require.Equal(t, "req-1", rec.RequestID)
	require.Equal(t, time.Unix(100, 0), rec.OccurredAt)
}

type fakeInvoker struct {
	service, method string
	payload         map[string]any
}

func (f *fakeInvoker) Invoke(_ context.Context, service, method string, payload map[string]any) (map[string]any, error) {
	f.service, f.method, f.payload = service, method, payload
	return map[string]any{}, nil
}

func TestRemoteSinkPayload(t *testing.T) {
	inv := &fakeInvoker{}
	rec := Record{RequestID: "r", Subject: "s", Tier: "buyer", Method: "GET", Path: "/v1/orders", Status: 429,
		Duration: 1500 * time.Microsecond, IP: "10.0.0.1", OccurredAt: time.Unix(0, 0)}
	require.NoError(t, NewRemoteSink(inv).Write(context.Background(), rec))
	require.Equal(t, "audit", inv.service)
	require.Equal(t, "Record", inv.method)
	require.Equal(t, 429, inv.payload["status"])
	require.Equal(t, 1.5, inv.payload["duration_ms"])
	require.Equal(t, "1970-01-01T00:00:00Z", inv.payload["occurred_at"])
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Write(context.Background(), Record{Path: "/healthz", Status: 200}))
	require.Equal(t, 1, logs.FilterMessage("http.access").Len())
}
