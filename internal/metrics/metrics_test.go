package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAccumulate(t *testing.T) {
	m := New()
	m.ObserveCheckout("pos", "ok")
	m.ObserveCheckout("pos", "ok")
	m.ObserveCheckout("storefront", "insufficient_stock")
	m.ObservePublish("order.created", errors.New("broker down"))
	m.ObserveMaintenancePass(3, 1, 2, 0, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Checkouts.WithLabelValues("pos", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Checkouts.WithLabelValues("storefront", "insufficient_stock")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("order.created", "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.MaintenanceOrders.WithLabelValues("archived")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MaintenanceOrders.WithLabelValues("skipped")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCheckout("pos", "ok")
		m.ObserveRequest("checkout", http.StatusOK, time.Millisecond)
		m.ObserveRestart()
	})
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ObserveRequest("checkout", http.StatusCreated, 12*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `varistock_http_requests_total{handler="checkout",status="201"} 1`)
}
