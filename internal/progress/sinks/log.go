package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/tenderscan/internal/progress"
)

// LogSink writes every progress event as a structured debug log line.
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

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
			zap.Duration("dur", evt.Dur),
		}
		switch evt.Stage {
		case progress.StagePageDone:
			fields = append(fields, zap.Int("page", evt.Page))
		case progress.StageItemStart, progress.StageItemDone:
			fields = append(fields, zap.String("item_id", evt.ItemID), zap.String("outcome", evt.Outcome))
		case progress.StageAttachmentDone:
			fields = append(fields,
				zap.String("item_id", evt.ItemID),
				zap.String("url", evt.URL),
				zap.String("format", evt.Format),
				zap.String("outcome", evt.Outcome),
				zap.Int64("bytes", evt.Bytes),
				zap.String("status_class", string(evt.StatusClass)),
			)
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Debug("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
