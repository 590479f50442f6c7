package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher only logs entries. It backs NOTIFY_TRANSPORT=log in local
// development.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Name() string { return "log" }

func (p *LogPublisher) Publish(_ context.Context, entry Entry) error {
	p.logger.Info("notification",
		zap.String("kind", string(entry.Kind)),
		zap.Stringer("appointment_id", entry.AppointmentID),
		zap.String("dedupe_key", entry.DedupeKey),
		zap.ByteString("payload", entry.Payload),
	)
	return nil
}
