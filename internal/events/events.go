package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"varistock/backend/internal/domain"
	"varistock/backend/internal/xid"
)

// Event is the envelope written to the broker.
type Event struct {
	EventID   string          `json:"event_id"`
	OrderID   string          `json:"order_id"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func New(eventType string, orderID string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		EventID:   xid.New("evt"),
		OrderID:   orderID,
		Type:      eventType,
		CreatedAt: time.Now().UTC(),
		Payload:   data,
	}, nil
}

// FromNotification turns an outbox row into an event. The notification id is
// reused so consumers can deduplicate redeliveries.
func FromNotification(n domain.Notification) Event {
	return Event{
		EventID:   n.ID,
		OrderID:   n.OrderID,
		Type:      n.Type,
		CreatedAt: n.CreatedAt.UTC(),
		Payload:   json.RawMessage(n.Payload),
	}
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LogPublisher writes events to the log. It is the sink when no broker is
// configured.
type LogPublisher struct {
	Log logrus.FieldLogger
}

func (p LogPublisher) Publish(_ context.Context, event Event) error {
	if p.Log == nil {
		return nil
	}
	p.Log.WithFields(logrus.Fields{
		"event_id": event.EventID,
		"order_id": event.OrderID,
		"type":     event.Type,
	}).Info("event published")
	return nil
}
