package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is one row of the contest outbox.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	ContestID uuid.UUID       `json:"contest_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
}

// Publisher relays an outbox event to the bus.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Envelope is the message body written to the bus.
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	ContestID string          `json:"contestId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

func newEnvelope(e Event) Envelope {
	return Envelope{
		EventID:   e.ID.String(),
		EventType: e.EventType,
		ContestID: e.ContestID.String(),
		Timestamp: e.CreatedAt.UTC(),
		Payload:   e.Payload,
		Metadata:  e.Metadata,
	}
}
