package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"varistock/backend/internal/cache"
	"varistock/backend/internal/domain"
	"varistock/backend/internal/maintenance"
	"varistock/backend/internal/metrics"
	"varistock/backend/internal/pricing"
	"varistock/backend/internal/service"
	"varistock/backend/internal/store"
)

// Maintenance is the control surface of the archival scheduler.
type Maintenance interface {
	Status() domain.MaintenanceStatus
	Stats(ctx context.Context) (domain.MaintenanceStats, error)
	RunNow(ctx context.Context) (domain.MaintenanceReport, error)
}

type Options struct {
	PIN           *PINVerifier
	Maintenance   Maintenance
	Metrics       *metrics.Metrics
	Log           logrus.FieldLogger
	AllowedOrigin string
}

type API struct {
	service       *service.Service
	auth          Authorizer
	pin           *PINVerifier
	maintenance   Maintenance
	metrics       *metrics.Metrics
	log           logrus.FieldLogger
	allowedOrigin string
	pinLimiter    *attemptLimiter
}

func New(svc *service.Service, auth Authorizer, opts Options) *API {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	return &API{
		service:       svc,
		auth:          auth,
		pin:           opts.PIN,
		maintenance:   opts.Maintenance,
		metrics:       opts.Metrics,
		log:           opts.Log.WithField("component", "http"),
		allowedOrigin: opts.AllowedOrigin,
		pinLimiter:    newAttemptLimiter(8, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

// Blocked reports whether key has used up its failures for the window.
func (l *attemptLimiter) Blocked(key string) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pruneLocked(key, time.Now())) >= l.max
}

// Fail records a failed attempt for key.
func (l *attemptLimiter) Fail(key string) {
	if l == nil {
		return
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = append(l.pruneLocked(key, now), now)
}

func (l *attemptLimiter) pruneLocked(key string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	history := l.entries[key]
	kept := history[:0]
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(l.entries, key)
		return nil
	}
	l.entries[key] = kept
	return kept
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

type capability int

const (
	anyCaller capability = iota
	staffOnly
	adminOnly
)

func (a *API) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(a.instrument)

	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet).Name("health")
	if a.metrics != nil {
		r.Handle("/metrics", a.metrics.Handler()).Methods(http.MethodGet).Name("metrics")
	}

	s := r.PathPrefix("/api/v1").Subrouter()
	s.HandleFunc("/products", a.requireAuth(a.handleProducts, staffOnly)).Methods(http.MethodGet).Name("products")
	s.HandleFunc("/products/{id}/stock", a.requireAuth(a.handleStock, staffOnly)).Methods(http.MethodGet).Name("stock")

	s.HandleFunc("/checkout/quote", a.requireAuth(a.handleQuote, anyCaller)).Methods(http.MethodPost).Name("quote")
	s.HandleFunc("/checkout", a.requireAuth(a.handleCheckout, anyCaller)).Methods(http.MethodPost).Name("checkout")
	s.HandleFunc("/pos/sales", a.requireAuth(a.handlePOSSale, staffOnly)).Methods(http.MethodPost).Name("pos_sale")
	s.HandleFunc("/pos/sales/{id}/void", a.requireAuth(a.handleVoid, staffOnly)).Methods(http.MethodPost).Name("pos_void")

	s.HandleFunc("/orders", a.requireAuth(a.handleListOrders, staffOnly)).Methods(http.MethodGet).Name("orders")
	s.HandleFunc("/orders/{id}", a.requireAuth(a.handleGetOrder, staffOnly)).Methods(http.MethodGet).Name("order")
	s.HandleFunc("/orders/{id}/status", a.requireAuth(a.handleStatusChange, staffOnly)).Methods(http.MethodPatch).Name("order_status")
	s.HandleFunc("/orders/{id}/advance", a.requireAuth(a.handleAdvance, staffOnly)).Methods(http.MethodPost).Name("order_advance")
	s.HandleFunc("/orders/{id}/cancel", a.requireAuth(a.reversal(domain.StatusCancelled), staffOnly)).Methods(http.MethodPost).Name("order_cancel")
	s.HandleFunc("/orders/{id}/return", a.requireAuth(a.reversal(domain.StatusReturned), adminOnly)).Methods(http.MethodPost).Name("order_return")

	s.HandleFunc("/admin/delete", a.requireAuth(a.handleBulkDelete, adminOnly)).Methods(http.MethodPost).Name("bulk_delete")
	s.HandleFunc("/admin/{type}/{id}", a.requireAuth(a.handleDeleteOne, adminOnly)).Methods(http.MethodDelete).Name("delete")
	s.HandleFunc("/admin/maintenance/status", a.requireAuth(a.handleMaintenanceStatus, adminOnly)).Methods(http.MethodGet).Name("maintenance_status")
	s.HandleFunc("/admin/maintenance/stats", a.requireAuth(a.handleMaintenanceStats, adminOnly)).Methods(http.MethodGet).Name("maintenance_stats")
	s.HandleFunc("/admin/maintenance/run", a.requireAuth(a.handleMaintenanceRun, adminOnly)).Methods(http.MethodPost).Name("maintenance_run")
	s.HandleFunc("/audit-logs", a.requireAuth(a.handleAuditLogs, adminOnly)).Methods(http.MethodGet).Name("audit_logs")

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "route not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	})

	return a.withMiddleware(r)
}

func (a *API) requireAuth(next http.HandlerFunc, need capability) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		caps, err := a.auth.IsAuthorized(strings.TrimSpace(authorization[len("Bearer "):]))
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, ErrUnauthorized)
			return
		}
		if (need == staffOnly && !caps.IsStaff && !caps.IsAdmin) || (need == adminOnly && !caps.IsAdmin) {
			a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), caps.Actor())))
	}
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleStock(w http.ResponseWriter, r *http.Request) {
	stock, err := a.service.GetStock(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stock)
}

func (a *API) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	channel := domain.ChannelStorefront
	if strings.EqualFold(r.URL.Query().Get("channel"), string(domain.ChannelPOS)) {
		channel = domain.ChannelPOS
	}
	quote, err := a.service.Quote(r.Context(), channel, req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	a.checkout(w, r, a.service.Checkout)
}

func (a *API) handlePOSSale(w http.ResponseWriter, r *http.Request) {
	a.checkout(w, r, a.service.POSSale)
}

type checkoutFunc func(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error)

func (a *API) checkout(w http.ResponseWriter, r *http.Request, run checkoutFunc) {
	var req domain.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	resp, err := run(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// handleVoid returns a till sale. A manager PIN is required on top of the
// staff token.
func (a *API) handleVoid(w http.ResponseWriter, r *http.Request) {
	var req domain.ReversalRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	limitKey := "pin:void:" + clientKey(r)
	if a.pinLimiter.Blocked(limitKey) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
		return
	}
	if !a.pin.Verify(req.ManagerPIN) {
		a.pinLimiter.Fail(limitKey)
		a.writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
		return
	}

	order, err := a.service.Return(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.OrderResponse{Order: *order})
}

func (a *API) handleListOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.OrderFilter{
		Status:          domain.OrderStatus(strings.TrimSpace(query.Get("status"))),
		Channel:         domain.Channel(strings.TrimSpace(query.Get("channel"))),
		IncludeArchived: query.Get("includeArchived") == "true",
		Limit:           parsePositiveLimit(query.Get("limit"), 100, 500),
	}
	orders, err := a.service.ListOrders(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (a *API) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.service.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.OrderResponse{Order: *order})
}

func (a *API) handleStatusChange(w http.ResponseWriter, r *http.Request) {
	var req domain.StatusChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	to := domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if !to.Valid() {
		a.writeError(w, http.StatusBadRequest, errors.New("unknown status"))
		return
	}
	order, err := a.service.AdvanceStatus(r.Context(), mux.Vars(r)["id"], to)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.OrderResponse{Order: *order})
}

func (a *API) handleAdvance(w http.ResponseWriter, r *http.Request) {
	order, err := a.service.AdvanceToNext(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.OrderResponse{Order: *order})
}

func (a *API) reversal(target domain.OrderStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req domain.ReversalRequest
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		order, err := a.service.Reverse(r.Context(), mux.Vars(r)["id"], target, req.Reason)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, domain.OrderResponse{Order: *order})
	}
}

func (a *API) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req domain.BulkDeleteRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.BulkDelete(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleDeleteOne(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deleted, err := a.service.DeleteOne(r.Context(), domain.DeleteTarget{
		ID:   vars["id"],
		Type: domain.EntityType(vars["type"]),
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleted)
}

func (a *API) handleMaintenanceStatus(w http.ResponseWriter, _ *http.Request) {
	if a.maintenance == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "maintenance scheduler not configured"})
		return
	}
	writeJSON(w, http.StatusOK, a.maintenance.Status())
}

func (a *API) handleMaintenanceStats(w http.ResponseWriter, r *http.Request) {
	if a.maintenance == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "maintenance scheduler not configured"})
		return
	}
	stats, err := a.maintenance.Stats(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleMaintenanceRun(w http.ResponseWriter, r *http.Request) {
	if a.maintenance == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "maintenance scheduler not configured"})
		return
	}
	report, err := a.maintenance.RunNow(r.Context())
	if err != nil && (errors.Is(err, maintenance.ErrPassInProgress) || errors.Is(err, cache.ErrLockHeld)) {
		a.writeError(w, http.StatusConflict, err)
		return
	}
	resp := map[string]any{"report": report}
	if err != nil {
		// The pass ran; per-order failures are part of the report.
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	logs, err := a.service.ListAuditLogs(r.Context(), strings.TrimSpace(query.Get("date")), parsePositiveLimit(query.Get("limit"), 100, 500))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument runs after route matching so the route name labels the metrics.
func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := "unknown"
		if route := mux.CurrentRoute(r); route != nil && route.GetName() != "" {
			name = route.GetName()
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		startedAt := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(startedAt)

		a.metrics.ObserveRequest(name, rec.status, elapsed)
		a.log.WithFields(logrus.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"route":   name,
			"status":  rec.status,
			"elapsed": elapsed.String(),
		}).Info("request")
	})
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusFor maps domain and storage errors onto HTTP status codes.
func statusFor(err error) int {
	var stockErr *domain.StockError
	switch {
	case errors.As(err, &stockErr), errors.Is(err, store.ErrInsufficientStock):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, store.ErrDuplicate), errors.Is(err, store.ErrInUse):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPaymentMismatch):
		return http.StatusPaymentRequired
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, pricing.ErrOrderTooLarge):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidPayment),
		errors.Is(err, pricing.ErrInvalidDiscount), errors.Is(err, pricing.ErrUnknownRegion),
		errors.Is(err, pricing.ErrUnknownTier):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)

	var mismatch *domain.PaymentMismatchError
	if errors.As(err, &mismatch) {
		writeJSON(w, status, map[string]any{
			"error":     err.Error(),
			"total":     mismatch.TotalCents,
			"paid":      mismatch.PaidCents,
			"shortfall": mismatch.Shortfall(),
		})
		return
	}
	var stockErr *domain.StockError
	if errors.As(err, &stockErr) {
		writeJSON(w, status, map[string]any{
			"error":     err.Error(),
			"productId": stockErr.ProductID,
			"color":     stockErr.Color,
			"size":      stockErr.Size,
			"requested": stockErr.Requested,
			"available": stockErr.Available,
		})
		return
	}
	if status == http.StatusServiceUnavailable {
		a.log.WithError(err).Warn("storage unavailable")
		writeJSON(w, status, map[string]any{"error": "storage unavailable, retry later", "retryable": true})
		return
	}
	a.writeError(w, status, err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies never carry internal detail.
	msg := err.Error()
	if status >= 500 {
		a.log.WithError(err).WithField("status", status).Error("internal error")
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
