package audit

import (
	"context"

	"go.uber.org/zap"
)

type invoker interface {
	Invoke(ctx context.Context, service, method string, payload map[string]any) (map[string]any, error)
}

// RemoteSink records entries through audit/Record on the backend.
type RemoteSink struct {
	backend invoker
}

func NewRemoteSink(backend invoker) *RemoteSink { return &RemoteSink{backend: backend} }

func (s *RemoteSink) Write(ctx context.Context, rec Record) error {
	_, err := s.backend.Invoke(ctx, "audit", "Record", rec.Payload())
	return err
}

// LogSink writes entries to a zap logger. Used when no backend is configured.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSink{log: log.Named("audit")}
}

func (s *LogSink) Write(_ context.Context, rec Record) error {
	fields := []zap.Field{
		zap.String("request_id", rec.RequestID),
		zap.String("subject", rec.Subject),
		zap.String("tier", rec.Tier),
		zap.String("method", rec.Method),
		zap.String("path", rec.Path),
		zap.Int("status", rec.Status),
		zap.Duration("duration", rec.Duration),
		zap.String("ip", rec.IP),
		zap.Time("occurred_at", rec.OccurredAt),
	}
	if len(rec.Fields) > 0 {
		fields = append(fields, zap.Any("fields", rec.Fields))
	}
	event := rec.Event
	if event == "" {
		event = "http.access"
	}
	s.log.Info(event, fields...)
	return nil
}
