package audit

import (
	"context"
	"log/slog"
)

// SlogSink writes audit entries to a structured logger. This is the
// default sink; it keeps the trail visible in ordinary log aggregation
// even when no database sink is configured.
type SlogSink struct {
	logger *slog.Logger
}

var _ Sink = (*SlogSink)(nil)

// NewSlogSink returns a sink logging under the "audit" group. A nil
// logger falls back to [slog.Default].
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Write(ctx context.Context, e Entry) error {
	level := slog.LevelInfo
	switch e.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityError:
		level = slog.LevelError
	}
	attrs := []slog.Attr{
		slog.Uint64("seq", e.Seq),
		slog.Time("time", e.Time),
		slog.String("actor", e.Actor),
		slog.String("action", e.Action),
		slog.String("resource", e.Resource),
		slog.String("hash", e.Hash),
	}
	for _, k := range sortedKeys(e.Detail) {
		attrs = append(attrs, slog.String("detail."+k, e.Detail[k]))
	}
	s.logger.LogAttrs(ctx, level, "audit", attrs...)
	return nil
}
