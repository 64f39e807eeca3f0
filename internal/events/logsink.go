package events

import (
	"context"
	"log/slog"
)

// LogSink writes every event to a structured logger. Blocked decisions and
// escrow requests log at warn, the rest at info.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink logs through l, or slog.Default when l is nil.
func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = slog.Default()
	}
	return &LogSink{logger: l}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, ev *CloudEvent) error {
	level := slog.LevelInfo
	if blocked, _ := ev.Data["blocked"].(bool); blocked || ev.Type == TypeEscrow {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, ev.Type, "subject", ev.Subject, "tenant", ev.TenantID, "data", ev.Data)
	return nil
}

var _ Sink = (*LogSink)(nil)
