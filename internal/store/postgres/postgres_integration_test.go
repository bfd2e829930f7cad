package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"varistock/backend/internal/domain"
	"varistock/backend/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("VARISTOCK_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set VARISTOCK_TEST_DATABASE_URL to run postgres integration test")
	}
	require.NoError(t, Migrate(databaseURL))

	s, err := New(context.Background(), databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLedgerAndReversalRoundTrip(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prod-it-%d", stamp)
	orderID := fmt.Sprintf("ord-it-%d", stamp)
	t.Cleanup(func() {
		_ = purgeOrder(ctx, s.db, orderID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM product_variants WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	_, err := s.SaveProduct(ctx, domain.Product{
		ID: productID, Name: "Integration Tee", PriceCents: 1000, Active: true,
		Variants: map[string]map[string]int{"red": {"M": 2}},
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = s.CreateOrder(ctx, domain.Order{
		ID: orderID, Number: "IT-" + orderID, Channel: domain.ChannelPOS,
		Status: domain.StatusDelivered, PaymentStatus: domain.PaymentStatusPaid,
		Items:   []domain.OrderItem{{ProductID: productID, Name: "Integration Tee", Color: "red", Size: "M", Quantity: 2, UnitPriceCents: 1000}},
		Tenders: []domain.Tender{{Method: domain.Cash{}, AmountCents: 2000}},
		Totals:  domain.Totals{SubtotalCents: 2000, TotalCents: 2000, PaidCents: 2000},
		CreatedAt: now, UpdatedAt: now, DeliveredAt: &now,
	}, []domain.Notification{{ID: "n-" + orderID, OrderID: orderID, Type: domain.EventOrderCreated, CreatedAt: now}})
	require.NoError(t, err)

	product, err := s.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Zero(t, product.TotalStock)

	err = s.Decrement(ctx, productID, "red", "M", 1)
	assert.True(t, errors.Is(err, store.ErrInsufficientStock))

	returned, err := s.ReverseOrder(ctx, orderID, domain.StatusReturned, time.Now(), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReturned, returned.Status)

	available, err := s.Available(ctx, productID, "red", "M")
	require.NoError(t, err)
	assert.Equal(t, 2, available)

	_, err = s.ReverseOrder(ctx, orderID, domain.StatusReturned, time.Now(), nil)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}

func TestArchivedOrderCannotBeReturned(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prod-arch-%d", stamp)
	orderID := fmt.Sprintf("ord-arch-%d", stamp)
	t.Cleanup(func() {
		_ = purgeOrder(ctx, s.db, orderID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM product_variants WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	_, err := s.SaveProduct(ctx, domain.Product{
		ID: productID, Name: "Archive Tee", PriceCents: 1000, Active: true,
		Variants: map[string]map[string]int{"red": {"M": 1}},
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	delivered := now.Add(-60 * 24 * time.Hour)
	_, err = s.CreateOrder(ctx, domain.Order{
		ID: orderID, Number: "IT-" + orderID, Channel: domain.ChannelPOS,
		Status: domain.StatusDelivered, PaymentStatus: domain.PaymentStatusPaid,
		Items:   []domain.OrderItem{{ProductID: productID, Name: "Archive Tee", Color: "red", Size: "M", Quantity: 1, UnitPriceCents: 1000}},
		Tenders: []domain.Tender{{Method: domain.Cash{}, AmountCents: 1000}},
		Totals:  domain.Totals{SubtotalCents: 1000, TotalCents: 1000, PaidCents: 1000},
		CreatedAt: delivered, UpdatedAt: delivered, DeliveredAt: &delivered,
	}, nil)
	require.NoError(t, err)

	_, err = s.ArchiveOrder(ctx, orderID, now.Add(-30*24*time.Hour), domain.ArchiveRecord{Reason: "retention", ArchivedAt: now})
	require.NoError(t, err)

	_, err = s.ReverseOrder(ctx, orderID, domain.StatusReturned, now, nil)
	assert.True(t, errors.Is(err, store.ErrInUse))

	order, err := s.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, order.Status)

	available, err := s.Available(ctx, productID, "red", "M")
	require.NoError(t, err)
	assert.Zero(t, available)
}

func TestConcurrentDecrementOfLastUnit(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	productID := fmt.Sprintf("prod-race-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM product_variants WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})
	_, err := s.SaveProduct(ctx, domain.Product{
		ID: productID, Name: "Race Tee", PriceCents: 1000, Active: true,
		Variants: map[string]map[string]int{"red": {"M": 1}},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = s.Decrement(ctx, productID, "red", "M", 1)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, store.ErrInsufficientStock))
	}
	assert.Equal(t, 1, succeeded)
}
