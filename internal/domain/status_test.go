package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	allowed := map[OrderStatus][]OrderStatus{
		StatusPending:    {StatusConfirmed, StatusCancelled},
		StatusConfirmed:  {StatusProcessing, StatusCancelled},
		StatusProcessing: {StatusShipped, StatusCancelled},
		StatusShipped:    {StatusDelivered, StatusCancelled},
		StatusDelivered:  {StatusReturned},
	}

	for _, from := range AllStatuses() {
		for _, to := range AllStatuses() {
			want := false
			for _, candidate := range allowed[from] {
				if candidate == to {
					want = true
				}
			}
			assert.Equalf(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatusesHaveNoExit(t *testing.T) {
	assert.Empty(t, StatusCancelled.AllowedNext())
	assert.Empty(t, StatusReturned.AllowedNext())
	assert.True(t, StatusDelivered.IsTerminal())

	_, ok := NextStatus(StatusDelivered)
	assert.False(t, ok)
	next, ok := NextStatus(StatusShipped)
	require.True(t, ok)
	assert.Equal(t, StatusDelivered, next)
}

func TestApplyTransitionStampsTimestamp(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	order := Order{ID: "ord-1", Status: StatusPending}

	require.NoError(t, order.ApplyTransition(StatusConfirmed, now))
	require.NotNil(t, order.ConfirmedAt)
	assert.Equal(t, now, *order.ConfirmedAt)
	assert.Equal(t, StatusConfirmed, order.Status)

	require.NoError(t, order.ApplyTransition(StatusCancelled, now.Add(time.Hour)))
	require.NotNil(t, order.CancelledAt)
	assert.Equal(t, StatusCancelled, order.Status)
}

func TestApplyTransitionRejectsIllegalMove(t *testing.T) {
	order := Order{ID: "ord-2", Status: StatusCancelled}

	err := order.ApplyTransition(StatusConfirmed, time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	var transitionErr *TransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, StatusCancelled, transitionErr.From)
	assert.Equal(t, StatusConfirmed, transitionErr.To)
	assert.Equal(t, StatusCancelled, order.Status)
	assert.Nil(t, order.ConfirmedAt)
}

func TestTransitionErrorMessages(t *testing.T) {
	assert.EqualError(t, &TransitionError{From: StatusCancelled, To: StatusConfirmed}, "cannot move order from cancelled to confirmed")
	assert.EqualError(t, &TransitionError{From: StatusReturned}, "order in status returned has no next step")
}

func TestParseOrderStatus(t *testing.T) {
	status, err := ParseOrderStatus(" Shipped ")
	require.NoError(t, err)
	assert.Equal(t, StatusShipped, status)

	_, err = ParseOrderStatus("lost")
	assert.Error(t, err)
}

func TestReadyForArchive(t *testing.T) {
	now := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)
	old := now.Add(-31 * 24 * time.Hour)
	recent := now.Add(-2 * 24 * time.Hour)
	retention := 30 * 24 * time.Hour

	delivered := Order{Status: StatusDelivered, DeliveredAt: &old}
	assert.True(t, delivered.ReadyForArchive(now, retention))

	fresh := Order{Status: StatusCancelled, CancelledAt: &recent}
	assert.False(t, fresh.ReadyForArchive(now, retention))

	open := Order{Status: StatusShipped, UpdatedAt: old}
	assert.False(t, open.ReadyForArchive(now, retention))

	archived := Order{Status: StatusReturned, ReturnedAt: &old, ArchivedAt: &recent}
	assert.False(t, archived.ReadyForArchive(now, retention))
}
