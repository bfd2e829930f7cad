package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"varistock/backend/internal/domain"
	"varistock/backend/internal/pricing"
	"varistock/backend/internal/store"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	env := newTestAPI(t)
	res := env.do(t, http.MethodGet, "/healthz", "", nil)

	assert.Equal(t, "nosniff", res.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", res.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, res.Header().Get("Referrer-Policy"))
	assert.Contains(t, res.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")
}

func TestPreflightShortCircuits(t *testing.T) {
	env := newTestAPI(t)
	res := env.do(t, http.MethodOptions, "/api/v1/checkout", "", nil)
	assert.Equal(t, http.StatusNoContent, res.Code)
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	env := newTestAPI(t)
	veryLong := strings.Repeat("a", (1<<20)+1024)
	body := fmt.Sprintf(`{"customerName":"%s","paymentMethod":"cash"}`, veryLong)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+env.token(t, RoleCustomer))
	res := httptest.NewRecorder()
	env.handler.ServeHTTP(res, req)

	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestManagerPINRateLimitReturns429(t *testing.T) {
	env := newTestAPI(t)
	sale := posSale(t, env, 1)
	staff := env.token(t, RoleStaff)
	path := "/api/v1/pos/sales/" + sale.OrderID + "/void"

	for i := 0; i < 9; i++ {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"reason":"test","managerPin":"000000"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+staff)
		req.RemoteAddr = "127.0.0.1:5001"
		res := httptest.NewRecorder()
		env.handler.ServeHTTP(res, req)

		if i < 8 {
			assert.Equal(t, http.StatusForbidden, res.Code, "attempt %d", i+1)
		} else {
			assert.Equal(t, http.StatusTooManyRequests, res.Code, "attempt %d", i+1)
		}
	}
	assert.Equal(t, 2, env.available(t, "red", "M"))
}

func TestSuccessfulVoidsDoNotUseUpPINAttempts(t *testing.T) {
	env := newTestAPI(t)
	staff := env.token(t, RoleStaff)

	for i := 0; i < 10; i++ {
		sale := posSale(t, env, 1)
		rec := env.do(t, http.MethodPost, "/api/v1/pos/sales/"+sale.OrderID+"/void", staff,
			map[string]any{"reason": "customer changed mind", "managerPin": "123456"})
		require.Equal(t, http.StatusOK, rec.Code, "void %d: %s", i+1, rec.Body.String())
	}
	assert.Equal(t, 3, env.available(t, "red", "M"))
}

func TestAttemptLimiterCountsFailuresOnly(t *testing.T) {
	limiter := newAttemptLimiter(2, time.Minute)
	assert.False(t, limiter.Blocked("till"))

	limiter.Fail("till")
	assert.False(t, limiter.Blocked("till"))
	limiter.Fail("till")
	assert.True(t, limiter.Blocked("till"))
	assert.False(t, limiter.Blocked("other"))

	var nilLimiter *attemptLimiter
	assert.False(t, nilLimiter.Blocked("till"))
}

func TestUnknownRouteAndMethod(t *testing.T) {
	env := newTestAPI(t)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/nowhere", "", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(t, http.MethodDelete, "/api/v1/checkout", "", nil).Code)
}

func TestParsePositiveLimitCaps(t *testing.T) {
	assert.Equal(t, 200, parsePositiveLimit("9999", 50, 200))
	assert.Equal(t, 50, parsePositiveLimit("", 50, 200))
	assert.Equal(t, 50, parsePositiveLimit("invalid", 50, 200))
	assert.Equal(t, 50, parsePositiveLimit("-3", 50, 200))
}

func TestStatusForMapsErrorKinds(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want int
	}{
		{&domain.StockError{ProductID: "p", Requested: 2, Available: 1}, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", store.ErrInsufficientStock), http.StatusConflict},
		{&domain.TransitionError{From: domain.StatusCancelled, To: domain.StatusReturned}, http.StatusConflict},
		{store.ErrInUse, http.StatusConflict},
		{&domain.PaymentMismatchError{TotalCents: 10, PaidCents: 5}, http.StatusPaymentRequired},
		{store.ErrNotFound, http.StatusNotFound},
		{ErrUnauthorized, http.StatusUnauthorized},
		{&store.StorageError{Op: "commit", Err: errors.New("conn reset")}, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: bad", store.ErrInvalidRequest), http.StatusBadRequest},
		{domain.ErrInvalidPayment, http.StatusBadRequest},
		{pricing.ErrInvalidDiscount, http.StatusBadRequest},
		{pricing.ErrUnknownRegion, http.StatusBadRequest},
		{pricing.ErrOrderTooLarge, http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	} {
		assert.Equal(t, tc.want, statusFor(tc.err), "%v", tc.err)
	}
}

func TestStorageErrorsAreRetryableAndOpaque(t *testing.T) {
	env := newTestAPI(t)
	rec := httptest.NewRecorder()
	env.api.writeServiceError(rec, &store.StorageError{Op: "select orders", Err: errors.New("pq: password authentication failed")})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
	assert.Contains(t, rec.Body.String(), `"retryable":true`)
}
