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

func (s *Service) Cancel(ctx context.Context, orderID string, reason string) (*domain.Order, error) {
	return s.Reverse(ctx, orderID, domain.StatusCancelled, reason)
}

func (s *Service) Return(ctx context.Context, orderID string, reason string) (*domain.Order, error) {
	return s.Reverse(ctx, orderID, domain.StatusReturned, reason)
}

// Reverse moves an order to cancelled or returned and puts every item back on
// the shelf it came from. Either all of it happens or none of it does.
func (s *Service) Reverse(ctx context.Context, orderID string, target domain.OrderStatus, reason string) (order *domain.Order, err error) {
	ctx, span := tracing.Start(ctx, "service.reverse",
		attribute.String("order.id", orderID),
		attribute.String("order.target", string(target)),
	)
	defer func() {
		tracing.End(span, err)
		s.metrics.ObserveReversal(string(target), outcome(err))
	}()

	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", store.ErrInvalidRequest)
	}
	if !target.IsReversal() {
		return nil, fmt.Errorf("%w: %q is not a reversal status", store.ErrInvalidRequest, target)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}

	eventType := domain.EventOrderCancelled
	if target == domain.StatusReturned {
		eventType = domain.EventOrderReturned
	}
	reversed, err := s.repo.ReverseOrder(ctx, orderID, target, s.now(), func(o domain.Order) ([]domain.Notification, error) {
		changed, err := s.notification(o, eventType, newOrderPayload(o, reason))
		if err != nil {
			return nil, err
		}
		restored, err := s.notification(o, domain.EventStockRestored, newStockPayload(o))
		if err != nil {
			return nil, err
		}
		return []domain.Notification{changed, restored}, nil
	})
	if err != nil {
		return nil, err
	}
	s.outbox.Notify()

	s.logAudit(ctx, string(target), "order", reversed.ID, "reason="+reason)
	s.log.WithField("order_id", reversed.ID).WithField("status", reversed.Status).Info("order reversed")
	return reversed, nil
}
