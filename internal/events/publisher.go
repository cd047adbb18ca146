package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message is the envelope every sink receives.
type Message struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"type"`
	BookingID  *uuid.UUID      `json:"booking_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Publisher delivers domain events to subscribers. Delivery is
// fire-and-forget; the relay only records whether the hand-off worked.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// RoutingKey maps an event type to a dotted topic, e.g. BookingConfirmed ->
// booking.confirmed.
func RoutingKey(eventType string) string {
	out := make([]byte, 0, len(eventType)+2)
	for i := 0; i < len(eventType); i++ {
		c := eventType[i]
		if c >= 'A' && c <= 'Z' {
			if i > 0 {
				out = append(out, '.')
			}
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
