package service

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"varistock/backend/internal/domain"
	"varistock/backend/internal/store"
	"varistock/backend/internal/tracing"
)

// AdvanceStatus applies a status change. Cancelled and returned are routed
// through Reverse so stock is always restored with them.
func (s *Service) AdvanceStatus(ctx context.Context, orderID string, to domain.OrderStatus) (order *domain.Order, err error) {
	if to.IsReversal() {
		return s.Reverse(ctx, orderID, to, "status change")
	}
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", store.ErrInvalidRequest, to)
	}

	ctx, span := tracing.Start(ctx, "service.advance_status",
		attribute.String("order.id", orderID),
		attribute.String("order.target", string(to)),
	)
	defer func() { tracing.End(span, err) }()

	updated, err := s.repo.TransitionOrder(ctx, strings.TrimSpace(orderID), to, s.now(), func(o domain.Order) ([]domain.Notification, error) {
		n, err := s.notification(o, domain.EventOrderStatusAdvanced, newOrderPayload(o, ""))
		if err != nil {
			return nil, err
		}
		return []domain.Notification{n}, nil
	})
	if err != nil {
		return nil, err
	}
	s.outbox.Notify()
	s.metrics.ObserveTransition(string(updated.Status))
	s.logAudit(ctx, "status_change", "order", updated.ID, "status="+string(updated.Status))
	return updated, nil
}

// AdvanceToNext moves an order one step along the fulfilment sequence.
func (s *Service) AdvanceToNext(ctx context.Context, orderID string) (*domain.Order, error) {
	current, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	next, ok := domain.NextStatus(current.Status)
	if !ok {
		return nil, &domain.TransitionError{From: current.Status}
	}
	return s.AdvanceStatus(ctx, orderID, next)
}

// GetOrder returns an order and records who looked at it.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.repo.GetOrder(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return nil, err
	}
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		if err := s.repo.RecordOrderView(ctx, domain.OrderView{
			OrderID:  order.ID,
			Viewer:   actor.Username,
			ViewedAt: s.now(),
		}); err != nil {
			s.log.WithError(err).WithField("order_id", order.ID).Warn("failed to record order view")
		}
	}
	return order, nil
}

func (s *Service) ListOrders(ctx context.Context, filter store.OrderFilter) ([]domain.Order, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", store.ErrInvalidRequest, filter.Status)
	}
	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.repo.ListOrders(ctx, filter)
}
