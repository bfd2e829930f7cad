package memory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"varistock/backend/internal/domain"
	"varistock/backend/internal/store"
)

func seedProduct(t *testing.T, s *Store, id string, variants map[string]map[string]int) {
	t.Helper()
	_, err := s.SaveProduct(context.Background(), domain.Product{ID: id, Name: id, PriceCents: 1000, Variants: variants})
	require.NoError(t, err)
}

func TestDecrementAndIncrementKeepTotalInSync(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedProduct(t, s, "p1", map[string]map[string]int{"red": {"M": 3, "L": 1}})

	require.NoError(t, s.Decrement(ctx, "p1", "red", "M", 2))
	require.NoError(t, s.Increment(ctx, "p1", "blue", "S", 4))

	product, err := s.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, product.Quantity("red", "M"))
	assert.Equal(t, 4, product.Quantity("blue", "S"))
	assert.Equal(t, product.SumVariants(), product.TotalStock)
	assert.Equal(t, 6, product.TotalStock)
}

func TestDecrementRejectsShortfallAndBadQty(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedProduct(t, s, "p1", map[string]map[string]int{"red": {"M": 1}})

	err := s.Decrement(ctx, "p1", "red", "M", 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrInsufficientStock))

	err = s.Decrement(ctx, "p1", "green", "M", 1)
	assert.True(t, errors.Is(err, store.ErrInsufficientStock))

	assert.True(t, errors.Is(s.Decrement(ctx, "p1", "red", "M", 0), store.ErrInvalidRequest))
	assert.True(t, errors.Is(s.Increment(ctx, "p1", "red", "M", -1), store.ErrInvalidRequest))
	assert.True(t, errors.Is(s.Increment(ctx, "missing", "red", "M", 1), store.ErrNotFound))

	available, err := s.Available(ctx, "p1", "red", "M")
	require.NoError(t, err)
	assert.Equal(t, 1, available)
}

func TestConcurrentDecrementLastUnitHasOneWinner(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedProduct(t, s, "p1", map[string]map[string]int{"red": {"M": 1}})

	var wins, losses atomic.Int32
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			err := s.Decrement(ctx, "p1", "red", "M", 1)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, store.ErrInsufficientStock):
				losses.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), losses.Load())

	product, err := s.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, product.TotalStock)
}

func TestConcurrentCheckoutsAcrossProductsNeverOversell(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedProduct(t, s, "a", map[string]map[string]int{"red": {"M": 10}})
	seedProduct(t, s, "b", map[string]map[string]int{"blue": {"L": 10}})

	var created atomic.Int32
	var g errgroup.Group
	for i := 0; i < 30; i++ {
		g.Go(func() error {
			order := domain.Order{
				ID:     fmt.Sprintf("ord-%d", i),
				Status: domain.StatusPending,
				Items: []domain.OrderItem{
					{ProductID: "b", Color: "blue", Size: "L", Quantity: 1},
					{ProductID: "a", Color: "red", Size: "M", Quantity: 1},
				},
			}
			_, err := s.CreateOrder(ctx, order, nil)
			if err == nil {
				created.Add(1)
				return nil
			}
			if errors.Is(err, store.ErrInsufficientStock) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(10), created.Load())

	for _, id := range []string{"a", "b"} {
		product, err := s.GetProduct(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, product.TotalStock)
	}
}

func TestCreateOrderIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedProduct(t, s, "a", map[string]map[string]int{"red": {"M": 5}})
	seedProduct(t, s, "b", map[string]map[string]int{"blue": {"L": 0}})

	_, err := s.CreateOrder(ctx, domain.Order{
		ID: "ord-1",
		Items: []domain.OrderItem{
			{ProductID: "a", Color: "red", Size: "M", Quantity: 2},
			{ProductID: "b", Color: "blue", Size: "L", Quantity: 1},
		},
	}, nil)
	var stockErr *domain.StockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "b", stockErr.ProductID)

	available, err := s.Available(ctx, "a", "red", "M")
	require.NoError(t, err)
	assert.Equal(t, 5, available)
	_, err = s.GetOrder(ctx, "ord-1")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestCreateOrderRejectsReusedIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedProduct(t, s, "a", map[string]map[string]int{"red": {"M": 5}})
	items := []domain.OrderItem{{ProductID: "a", Color: "red", Size: "M", Quantity: 1}}

	_, err := s.CreateOrder(ctx, domain.Order{ID: "ord-1", IdempotencyKey: "k1", Items: items}, nil)
	require.NoError(t, err)
	_, err = s.CreateOrder(ctx, domain.Order{ID: "ord-2", IdempotencyKey: "k1", Items: items}, nil)
	assert.True(t, errors.Is(err, store.ErrDuplicate))

	found, err := s.FindOrderByIdempotency(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "ord-1", found.ID)

	available, err := s.Available(ctx, "a", "red", "M")
	require.NoError(t, err)
	assert.Equal(t, 4, available)
}

func TestReverseOrderRestoresOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedProduct(t, s, "a", map[string]map[string]int{"red": {"M": 3}})
	_, err := s.CreateOrder(ctx, domain.Order{
		ID: "ord-1", Status: domain.StatusPending,
		Items: []domain.OrderItem{{ProductID: "a", Color: "red", Size: "M", Quantity: 2}},
	}, nil)
	require.NoError(t, err)

	notify := func(order domain.Order) ([]domain.Notification, error) {
		return []domain.Notification{{ID: "n-" + order.ID, OrderID: order.ID, Type: domain.EventOrderCancelled}}, nil
	}
	cancelled, err := s.ReverseOrder(ctx, "ord-1", domain.StatusCancelled, time.Now(), notify)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	_, err = s.ReverseOrder(ctx, "ord-1", domain.StatusCancelled, time.Now(), notify)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	available, err := s.Available(ctx, "a", "red", "M")
	require.NoError(t, err)
	assert.Equal(t, 3, available)
	assert.Len(t, s.Notifications(), 1)
}

func TestReverseOrderFailsWholeWhenProductGone(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedProduct(t, s, "a", map[string]map[string]int{"red": {"M": 3}})
	seedProduct(t, s, "b", map[string]map[string]int{"red": {"M": 3}})
	_, err := s.CreateOrder(ctx, domain.Order{
		ID: "ord-1", Status: domain.StatusDelivered,
		Items: []domain.OrderItem{
			{ProductID: "a", Color: "red", Size: "M", Quantity: 1},
			{ProductID: "b", Color: "red", Size: "M", Quantity: 1},
		},
	}, nil)
	require.NoError(t, err)

	s.catalogMu.Lock()
	delete(s.products, "b")
	s.catalogMu.Unlock()

	_, err = s.ReverseOrder(ctx, "ord-1", domain.StatusReturned, time.Now(), nil)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	available, err := s.Available(ctx, "a", "red", "M")
	require.NoError(t, err)
	assert.Equal(t, 2, available)
	order, err := s.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, order.Status)
}

func TestArchiveAndPurge(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedProduct(t, s, "a", map[string]map[string]int{"red": {"M": 3}})
	now := time.Now().UTC()
	old := now.Add(-40 * 24 * time.Hour)
	_, err := s.CreateOrder(ctx, domain.Order{
		ID: "ord-1", Status: domain.StatusDelivered, DeliveredAt: &old, UpdatedAt: old,
		Items: []domain.OrderItem{{ProductID: "a", Color: "red", Size: "M", Quantity: 1}},
	}, []domain.Notification{{ID: "n1", OrderID: "ord-1", Type: domain.EventOrderCreated}})
	require.NoError(t, err)
	require.NoError(t, s.RecordOrderView(ctx, domain.OrderView{OrderID: "ord-1", Viewer: "admin", ViewedAt: now}))

	cutoff := now.Add(-30 * 24 * time.Hour)
	candidates, err := s.ListArchivable(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	record, err := s.ArchiveOrder(ctx, "ord-1", cutoff, domain.ArchiveRecord{Reason: "retention", ArchivedAt: old})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, record.Status)

	_, err = s.ArchiveOrder(ctx, "ord-1", cutoff, domain.ArchiveRecord{ArchivedAt: now})
	assert.True(t, errors.Is(err, store.ErrArchivalSkip))

	stats, err := s.OrderStats(ctx, cutoff, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.MaintenanceStats{Total: 1, Archived: 1, ReadyForDeletion: 1}, stats)

	require.NoError(t, s.PurgeArchivedOrder(ctx, "ord-1", now))
	_, err = s.GetOrder(ctx, "ord-1")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.Empty(t, s.Notifications())
	assert.Empty(t, s.Views())
}

func TestArchivedOrderRejectsStatusChanges(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedProduct(t, s, "a", map[string]map[string]int{"red": {"M": 3}})
	now := time.Now().UTC()
	delivered := now.Add(-60 * 24 * time.Hour)
	_, err := s.CreateOrder(ctx, domain.Order{
		ID: "ord-arch", Status: domain.StatusDelivered, DeliveredAt: &delivered, UpdatedAt: delivered,
		Items: []domain.OrderItem{{ProductID: "a", Color: "red", Size: "M", Quantity: 1}},
	}, nil)
	require.NoError(t, err)

	archivedAt := now.Add(-200 * 24 * time.Hour)
	_, err = s.ArchiveOrder(ctx, "ord-arch", now.Add(-30*24*time.Hour), domain.ArchiveRecord{ArchivedAt: archivedAt})
	require.NoError(t, err)

	_, err = s.ReverseOrder(ctx, "ord-arch", domain.StatusReturned, now, nil)
	assert.True(t, errors.Is(err, store.ErrInUse))
	_, err = s.TransitionOrder(ctx, "ord-arch", domain.StatusShipped, now, nil)
	assert.True(t, errors.Is(err, store.ErrInUse))

	order, err := s.GetOrder(ctx, "ord-arch")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, order.Status)
	assert.Nil(t, order.ReturnedAt)

	available, err := s.Available(ctx, "a", "red", "M")
	require.NoError(t, err)
	assert.Equal(t, 2, available)
}

func TestDeleteEntity(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded()

	require.NoError(t, s.DeleteEntity(ctx, domain.DeleteTarget{ID: "carousel-spring", Type: domain.EntityCarousel}))
	err := s.DeleteEntity(ctx, domain.DeleteTarget{ID: "carousel-spring", Type: domain.EntityCarousel})
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, err = s.CreateOrder(ctx, domain.Order{
		ID: "ord-open", Status: domain.StatusPending,
		Items: []domain.OrderItem{{ProductID: "prod-cap-twill", Color: "khaki", Size: "OS", Quantity: 1}},
	}, nil)
	require.NoError(t, err)
	err = s.DeleteEntity(ctx, domain.DeleteTarget{ID: "prod-cap-twill", Type: domain.EntityProduct})
	assert.True(t, errors.Is(err, store.ErrInUse))
	err = s.DeleteEntity(ctx, domain.DeleteTarget{ID: "ord-open", Type: domain.EntityOrder})
	assert.True(t, errors.Is(err, store.ErrInUse))
}
