package events

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes events to the process log. It is the default sink when
// no broker is configured.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, msg Message) error {
	fields := []zap.Field{
		zap.String("event_id", msg.ID.String()),
		zap.String("event_type", msg.Type),
		zap.ByteString("payload", msg.Payload),
	}
	if msg.BookingID != nil {
		fields = append(fields, zap.String("booking_id", msg.BookingID.String()))
	}
	p.log.Info("domain event", fields...)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
