package events

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"varistock/backend/internal/domain"
	"varistock/backend/internal/metrics"
)

type Outbox interface {
	ListPendingNotifications(ctx context.Context, limit int) ([]domain.Notification, error)
	MarkNotificationSent(ctx context.Context, notificationID string, at time.Time) error
}

// Relay drains the notification outbox into a Publisher. Rows are marked sent
// only after a successful publish, so delivery is at least once.
type Relay struct {
	outbox    Outbox
	publisher Publisher
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
	interval  time.Duration
	batch     int
	wake      chan struct{}
}

func NewRelay(outbox Outbox, publisher Publisher, log logrus.FieldLogger, m *metrics.Metrics, interval time.Duration) *Relay {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		log:       log,
		metrics:   m,
		interval:  interval,
		batch:     100,
		wake:      make(chan struct{}, 1),
	}
}

// Notify asks the relay to flush before the next tick.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Flush publishes pending notifications oldest first and stops at the first
// publish failure.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	pending, err := r.outbox.ListPendingNotifications(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, n := range pending {
		event := FromNotification(n)
		err := r.publisher.Publish(ctx, event)
		r.metrics.ObservePublish(event.Type, err)
		if err != nil {
			return sent, err
		}
		if err := r.outbox.MarkNotificationSent(ctx, n.ID, time.Now().UTC()); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.wake:
		}
		sent, err := r.Flush(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.log.WithError(err).WithField("sent", sent).Warn("outbox flush failed")
			continue
		}
		if sent > 0 {
			r.log.WithField("sent", sent).Debug("outbox flushed")
		}
	}
}
