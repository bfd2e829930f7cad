package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"varistock/backend/internal/domain"
	"varistock/backend/internal/store/memory"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	fail   map[string]error
}

func (p *recordingPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[event.EventID]; err != nil {
		return err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Published() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

func quietLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

func seedOrderWithNotifications(t *testing.T, s *memory.Store, orderID string, types ...string) {
	t.Helper()
	now := time.Now().UTC()
	notifications := make([]domain.Notification, 0, len(types))
	for i, typ := range types {
		notifications = append(notifications, domain.Notification{
			ID:        orderID + "-n" + string(rune('a'+i)),
			OrderID:   orderID,
			Type:      typ,
			Payload:   []byte(`{"orderId":"` + orderID + `"}`),
			CreatedAt: now,
		})
	}
	_, err := s.CreateOrder(context.Background(), domain.Order{
		ID: orderID, Number: "WEB-" + orderID, Channel: domain.ChannelStorefront, Status: domain.StatusPending,
		Items:     []domain.OrderItem{{ProductID: "prod-cap-twill", Name: "Twill Cap", Color: "khaki", Size: "OS", Quantity: 1, UnitPriceCents: 39900}},
		CreatedAt: now, UpdatedAt: now,
	}, notifications)
	require.NoError(t, err)
}

func TestRelayFlushMarksPublishedNotificationsSent(t *testing.T) {
	s := memory.NewSeeded()
	seedOrderWithNotifications(t, s, "ord-1", domain.EventOrderCreated, domain.EventStockDecremented)
	pub := &recordingPublisher{}
	relay := NewRelay(s, pub, quietLogger(), nil, time.Second)

	sent, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	published := pub.Published()
	require.Len(t, published, 2)
	assert.Equal(t, domain.EventOrderCreated, published[0].Type)
	assert.Equal(t, "ord-1", published[0].OrderID)
	assert.JSONEq(t, `{"orderId":"ord-1"}`, string(published[0].Payload))

	pending, err := s.ListPendingNotifications(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	sent, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestRelayStopsAtFirstPublishFailure(t *testing.T) {
	s := memory.NewSeeded()
	seedOrderWithNotifications(t, s, "ord-2", domain.EventOrderCreated, domain.EventStockDecremented)
	brokerDown := errors.New("broker down")
	pub := &recordingPublisher{fail: map[string]error{"ord-2-na": brokerDown}}
	relay := NewRelay(s, pub, quietLogger(), nil, time.Second)

	sent, err := relay.Flush(context.Background())
	assert.ErrorIs(t, err, brokerDown)
	assert.Zero(t, sent)

	pending, err := s.ListPendingNotifications(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRelayRunFlushesOnNotify(t *testing.T) {
	s := memory.NewSeeded()
	pub := &recordingPublisher{}
	relay := NewRelay(s, pub, quietLogger(), nil, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	seedOrderWithNotifications(t, s, "ord-3", domain.EventOrderCreated)
	relay.Notify()

	assert.Eventually(t, func() bool { return len(pub.Published()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestDispatcherDeliversAndDrainsOnClose(t *testing.T) {
	pub := &recordingPublisher{}
	d := NewDispatcher(pub, quietLogger(), nil, 8)

	for _, typ := range []string{domain.EventDrawerOpen, domain.EventReceiptRequested} {
		event, err := New(typ, "ord-4", map[string]any{"terminalId": "till-1"})
		require.NoError(t, err)
		require.NoError(t, d.Dispatch(event))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))

	published := pub.Published()
	require.Len(t, published, 2)
	assert.Equal(t, domain.EventDrawerOpen, published[0].Type)
	assert.Equal(t, domain.EventReceiptRequested, published[1].Type)

	assert.ErrorIs(t, d.Dispatch(Event{Type: domain.EventDrawerOpen}), ErrClosed)
}

func TestNewClientParsesBrokerList(t *testing.T) {
	assert.False(t, NewClient(" , ").Enabled())

	client := NewClient("kafka-1:9092, kafka-2:9092,")
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, client.Brokers)

	_, err := NewKafkaPublisher(NewClient(""), "varistock.events")
	assert.ErrorIs(t, err, ErrDisabled)
}
