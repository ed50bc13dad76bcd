package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/frame-progress-broker/internal/progress"
)

// LogSink writes one debug line per lifecycle event. It is meant for local
// development and audits; the broker logs notable transitions on its own.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.Time("at", evt.TS),
		}
		if evt.TaskID != "" {
			fields = append(fields, zap.String("task_id", evt.TaskID))
		}
		if evt.Kind != "" {
			fields = append(fields, zap.String("kind", evt.Kind))
		}
		if evt.EventType != "" {
			fields = append(fields, zap.String("event_type", evt.EventType))
		}
		if evt.Reason != "" {
			fields = append(fields, zap.String("reason", string(evt.Reason)))
		}
		if evt.Count != 0 {
			fields = append(fields, zap.Int("count", evt.Count))
		}
		if evt.Bytes != 0 {
			fields = append(fields, zap.Int64("bytes", evt.Bytes))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Debug("lifecycle event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
