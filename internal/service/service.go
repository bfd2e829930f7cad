package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"varistock/backend/internal/domain"
	"varistock/backend/internal/events"
	"varistock/backend/internal/metrics"
	"varistock/backend/internal/pricing"
	"varistock/backend/internal/store"
	"varistock/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// EventDispatcher hands events to the outside world without blocking.
type EventDispatcher interface {
	Dispatch(event events.Event) error
}

// OutboxNotifier is poked after a commit that enqueued notifications.
type OutboxNotifier interface {
	Notify()
}

type Options struct {
	Pricing    *pricing.Calculator
	Dispatcher EventDispatcher
	Outbox     OutboxNotifier
	Metrics    *metrics.Metrics
	Log        logrus.FieldLogger
	Now        func() time.Time
}

type Service struct {
	repo       store.Repository
	pricing    *pricing.Calculator
	dispatcher EventDispatcher
	outbox     OutboxNotifier
	metrics    *metrics.Metrics
	log        logrus.FieldLogger
	now        func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Pricing == nil {
		opts.Pricing = pricing.NewCalculator(pricing.Options{})
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = noopDispatcher{}
	}
	if opts.Outbox == nil {
		opts.Outbox = noopNotifier{}
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		repo:       repo,
		pricing:    opts.Pricing,
		dispatcher: opts.Dispatcher,
		outbox:     opts.Outbox,
		metrics:    opts.Metrics,
		log:        opts.Log.WithField("component", "service"),
		now:        func() time.Time { return opts.Now().UTC() },
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetStock(ctx context.Context, productID string) (domain.StockResponse, error) {
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.StockResponse{}, err
	}
	return domain.StockResponse{
		ProductID:  product.ID,
		Variants:   product.Variants,
		TotalStock: product.TotalStock,
	}, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	day := s.now()
	if date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalidRequest
		}
		day = parsed
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return s.repo.ListAuditLogs(ctx, from, from.Add(24*time.Hour), limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	role := "system"
	if ok {
		role = actor.Role()
	} else {
		actor = domain.Actor{Username: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"action": action,
			"entity": entityType + "/" + entityID,
		}).Warn("failed to write audit log")
	}
}

func (s *Service) dispatch(eventType string, orderID string, payload any) {
	event, err := events.New(eventType, orderID, payload)
	if err != nil {
		s.log.WithError(err).WithField("type", eventType).Warn("failed to encode event")
		return
	}
	if err := s.dispatcher.Dispatch(event); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"type": eventType, "order_id": orderID}).Warn("event not dispatched")
	}
}

// outcome labels err for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrPaymentMismatch):
		return "payment_mismatch"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrStorage):
		return "storage_error"
	default:
		return "rejected"
	}
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(events.Event) error { return nil }

type noopNotifier struct{}

func (noopNotifier) Notify() {}
