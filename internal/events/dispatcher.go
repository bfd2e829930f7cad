package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"varistock/backend/internal/metrics"
)

var (
	ErrQueueFull = errors.New("event queue full")
	ErrClosed    = errors.New("dispatcher closed")
)

// Dispatcher publishes events on a background goroutine. Dispatch never
// blocks the caller; when the queue is full the event is dropped.
type Dispatcher struct {
	publisher Publisher
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
	timeout   time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

func NewDispatcher(publisher Publisher, log logrus.FieldLogger, m *metrics.Metrics, buffer int) *Dispatcher {
	if buffer < 1 {
		buffer = 256
	}
	d := &Dispatcher{
		publisher: publisher,
		log:       log,
		metrics:   m,
		timeout:   5 * time.Second,
		queue:     make(chan Event, buffer),
		done:      make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) Dispatch(event Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- event:
		return nil
	default:
		d.log.WithFields(logrus.Fields{"type": event.Type, "order_id": event.OrderID}).Warn("event queue full, dropping event")
		d.metrics.ObservePublish(event.Type, ErrQueueFull)
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for queued ones to drain or for ctx
// to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for event := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.publisher.Publish(ctx, event)
		cancel()
		d.metrics.ObservePublish(event.Type, err)
		if err != nil {
			d.log.WithError(err).WithFields(logrus.Fields{
				"type":     event.Type,
				"order_id": event.OrderID,
			}).Warn("failed to publish event")
		}
	}
}
