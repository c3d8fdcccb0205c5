package events

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogSink writes events to a zap logger, mapping severity to log level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs every event.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("events")}
}

func (s *LogSink) Emit(_ context.Context, evt Event) {
	evt = Stamp(evt)

	level := zapcore.InfoLevel
	switch evt.Severity {
	case SeverityWarning:
		level = zapcore.WarnLevel
	case SeverityCritical:
		level = zapcore.ErrorLevel
	}

	fields := []zap.Field{
		zap.String("event", string(evt.Type)),
		zap.Time("occurred_at", evt.OccurredAt),
	}
	if evt.AgentID != "" {
		fields = append(fields, zap.String("agent_id", evt.AgentID))
	}
	if evt.RoundID != "" {
		fields = append(fields, zap.String("round_id", evt.RoundID))
	}
	if evt.Symbol != "" {
		fields = append(fields, zap.String("symbol", evt.Symbol))
	}
	if len(evt.Data) > 0 {
		fields = append(fields, zap.Any("data", evt.Data))
	}

	if ce := s.logger.Check(level, evt.Message); ce != nil {
		ce.Write(fields...)
	}
}
