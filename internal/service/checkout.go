package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"varistock/backend/internal/domain"
	"varistock/backend/internal/pricing"
	"varistock/backend/internal/store"
	"varistock/backend/internal/tracing"
	"varistock/backend/internal/xid"
)

const maxCartLines = 100

// Quote prices a cart for channel against live catalog prices and stock
// without reserving anything.
func (s *Service) Quote(ctx context.Context, channel domain.Channel, req domain.CheckoutRequest) (pricing.Quote, error) {
	items, err := s.resolveItems(ctx, req.Items)
	if err != nil {
		return pricing.Quote{}, err
	}
	return s.pricing.Quote(channel, items, req.Discount, req.Shipping)
}

// Checkout turns a storefront cart into a pending order.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	return s.checkout(ctx, domain.ChannelStorefront, req)
}

// POSSale records a settled till sale. The order is created delivered and
// paid.
func (s *Service) POSSale(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	req.TerminalID = strings.TrimSpace(req.TerminalID)
	if req.TerminalID == "" {
		return domain.CheckoutResponse{}, fmt.Errorf("%w: terminalId is required", store.ErrInvalidRequest)
	}
	if req.Shipping != nil {
		return domain.CheckoutResponse{}, fmt.Errorf("%w: till sales do not ship", store.ErrInvalidRequest)
	}
	return s.checkout(ctx, domain.ChannelPOS, req)
}

func (s *Service) checkout(ctx context.Context, channel domain.Channel, req domain.CheckoutRequest) (resp domain.CheckoutResponse, err error) {
	ctx, span := tracing.Start(ctx, "service.checkout", attribute.String("channel", string(channel)))
	defer func() {
		tracing.End(span, err)
		s.metrics.ObserveCheckout(string(channel), outcome(err))
	}()

	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		existing, err := s.repo.FindOrderByIdempotency(ctx, key)
		if err == nil {
			return s.toCheckoutResponse(existing, true), nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.CheckoutResponse{}, err
		}
	}

	items, err := s.resolveItems(ctx, req.Items)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	quote, err := s.pricing.Quote(channel, items, req.Discount, req.Shipping)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	totals := quote.Totals
	if req.Total != nil && *req.Total != totals.TotalCents {
		return domain.CheckoutResponse{}, fmt.Errorf("%w: total %d does not match computed total %d", store.ErrInvalidRequest, *req.Total, totals.TotalCents)
	}
	if req.Tax != nil && *req.Tax != totals.TaxCents {
		return domain.CheckoutResponse{}, fmt.Errorf("%w: tax %d does not match computed tax %d", store.ErrInvalidRequest, *req.Tax, totals.TaxCents)
	}

	tenders, err := parseTenders(req, totals.TotalCents)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	settlement, err := domain.Settle(totals.TotalCents, tenders)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	totals.PaidCents = settlement.PaidCents
	totals.ChangeCents = settlement.ChangeCents

	now := s.now()
	order := domain.Order{
		ID:             xid.New("ord"),
		Number:         xid.OrderNumber(numberPrefix(channel), now),
		Channel:        channel,
		Status:         domain.StatusPending,
		PaymentStatus:  domain.PaymentStatusPaid,
		CustomerName:   strings.TrimSpace(req.CustomerName),
		TerminalID:     req.TerminalID,
		IdempotencyKey: key,
		Items:          items,
		Tenders:        tenders,
		Discount:       quote.Discount,
		Totals:         totals,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if channel == domain.ChannelPOS {
		order.Status = domain.StatusDelivered
		order.DeliveredAt = &now
	}

	notifications, err := s.checkoutNotifications(order)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	created, err := s.repo.CreateOrder(ctx, order, notifications)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) && key != "" {
			existing, findErr := s.repo.FindOrderByIdempotency(ctx, key)
			if findErr == nil {
				return s.toCheckoutResponse(existing, true), nil
			}
		}
		return domain.CheckoutResponse{}, err
	}
	s.outbox.Notify()

	if channel == domain.ChannelPOS {
		s.emitTillEvents(*created)
	}
	s.logAudit(ctx, "checkout", "order", created.ID, fmt.Sprintf(
		"channel=%s,total=%d,paid=%d,discount=%d,tenders=%d",
		created.Channel, created.Totals.TotalCents, created.Totals.PaidCents, created.Totals.DiscountCents, len(created.Tenders),
	))
	s.log.WithFields(logrus.Fields{
		"order_id": created.ID,
		"channel":  created.Channel,
		"total":    created.Totals.TotalCents,
	}).Info("order created")

	return s.toCheckoutResponse(created, false), nil
}

// resolveItems merges duplicate lines, prices them from the catalog and checks
// live availability. The store re-checks availability when it decrements.
func (s *Service) resolveItems(ctx context.Context, lines []domain.CheckoutItem) ([]domain.OrderItem, error) {
	normalized, err := normalizeItems(lines)
	if err != nil {
		return nil, err
	}

	products := make(map[string]*domain.Product, len(normalized))
	items := make([]domain.OrderItem, 0, len(normalized))
	for _, line := range normalized {
		product, ok := products[line.ProductID]
		if !ok {
			product, err = s.repo.GetProduct(ctx, line.ProductID)
			if err != nil {
				return nil, err
			}
			if !product.Active {
				return nil, fmt.Errorf("%w: product %s is not for sale", store.ErrInvalidRequest, product.ID)
			}
			products[line.ProductID] = product
		}

		available := product.Quantity(line.Color, line.Size)
		if line.Quantity > available {
			return nil, &domain.StockError{
				ProductID: line.ProductID, Color: line.Color, Size: line.Size,
				Requested: line.Quantity, Available: available,
			}
		}

		price := product.PriceCents
		if price == 0 {
			price = line.Price
		}
		name := product.Name
		if name == "" {
			name = line.Name
		}
		items = append(items, domain.OrderItem{
			ProductID:      line.ProductID,
			Name:           name,
			Color:          line.Color,
			Size:           line.Size,
			Quantity:       line.Quantity,
			UnitPriceCents: price,
		})
	}
	return items, nil
}

func normalizeItems(lines []domain.CheckoutItem) ([]domain.CheckoutItem, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: cart is empty", store.ErrInvalidRequest)
	}
	if len(lines) > maxCartLines {
		return nil, fmt.Errorf("%w: cart has more than %d lines", store.ErrInvalidRequest, maxCartLines)
	}

	agg := make(map[domain.VariantKey]int, len(lines))
	first := make(map[domain.VariantKey]domain.CheckoutItem, len(lines))
	keys := make([]domain.VariantKey, 0, len(lines))
	for _, line := range lines {
		line.ProductID = strings.TrimSpace(line.ProductID)
		line.Color = strings.TrimSpace(line.Color)
		line.Size = strings.TrimSpace(line.Size)
		if line.ProductID == "" || line.Color == "" || line.Size == "" {
			return nil, fmt.Errorf("%w: productId, color and size are required", store.ErrInvalidRequest)
		}
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity must be at least 1", store.ErrInvalidRequest)
		}
		if line.Price < 0 {
			return nil, fmt.Errorf("%w: price must not be negative", store.ErrInvalidRequest)
		}
		key := domain.VariantKey{ProductID: line.ProductID, Color: line.Color, Size: line.Size}
		if _, seen := agg[key]; !seen {
			keys = append(keys, key)
			first[key] = line
		}
		agg[key] += line.Quantity
	}

	out := make([]domain.CheckoutItem, 0, len(keys))
	for _, key := range keys {
		line := first[key]
		line.Quantity = agg[key]
		out = append(out, line)
	}
	return out, nil
}

// parseTenders reads paymentDetails, or falls back to the single
// paymentMethod. A single tender without an amount pays the exact total.
func parseTenders(req domain.CheckoutRequest, total int64) ([]domain.Tender, error) {
	if len(req.PaymentDetails) > 0 {
		tenders := make([]domain.Tender, 0, len(req.PaymentDetails))
		for _, detail := range req.PaymentDetails {
			method, err := domain.ParsePaymentMethod(detail.Method)
			if err != nil {
				return nil, err
			}
			tenders = append(tenders, domain.Tender{
				Method:      method,
				AmountCents: detail.Amount,
				Reference:   strings.TrimSpace(detail.Reference),
			})
		}
		return tenders, nil
	}

	if strings.TrimSpace(req.PaymentMethod) == "" {
		return nil, fmt.Errorf("%w: paymentMethod or paymentDetails is required", domain.ErrInvalidPayment)
	}
	method, err := domain.ParsePaymentMethod(req.PaymentMethod)
	if err != nil {
		return nil, err
	}
	amount := req.AmountPaid
	if amount == 0 {
		amount = total
	}
	return []domain.Tender{{Method: method, AmountCents: amount}}, nil
}

func numberPrefix(channel domain.Channel) string {
	if channel == domain.ChannelPOS {
		return "POS"
	}
	return "WEB"
}

type orderPayload struct {
	OrderID     string             `json:"orderId"`
	OrderNumber string             `json:"orderNumber"`
	Channel     domain.Channel     `json:"channel"`
	Status      domain.OrderStatus `json:"status"`
	Totals      domain.Totals      `json:"totals"`
	Customer    string             `json:"customerName,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	At          time.Time          `json:"at"`
}

type movementPayload struct {
	ProductID string `json:"productId"`
	Color     string `json:"color"`
	Size      string `json:"size"`
	Quantity  int    `json:"quantity"`
}

type stockPayload struct {
	OrderID   string            `json:"orderId"`
	Movements []movementPayload `json:"movements"`
}

func newOrderPayload(order domain.Order, reason string) orderPayload {
	return orderPayload{
		OrderID:     order.ID,
		OrderNumber: order.Number,
		Channel:     order.Channel,
		Status:      order.Status,
		Totals:      order.Totals,
		Customer:    order.CustomerName,
		Reason:      reason,
		At:          order.UpdatedAt,
	}
}

func newStockPayload(order domain.Order) stockPayload {
	movements := order.Movements()
	sort.Slice(movements, func(i, j int) bool {
		a, b := movements[i], movements[j]
		if a.ProductID != b.ProductID {
			return a.ProductID < b.ProductID
		}
		if a.Color != b.Color {
			return a.Color < b.Color
		}
		return a.Size < b.Size
	})
	out := stockPayload{OrderID: order.ID, Movements: make([]movementPayload, 0, len(movements))}
	for _, m := range movements {
		out.Movements = append(out.Movements, movementPayload{
			ProductID: m.ProductID, Color: m.Color, Size: m.Size, Quantity: m.Qty,
		})
	}
	return out
}

func (s *Service) notification(order domain.Order, eventType string, payload any) (domain.Notification, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Notification{}, err
	}
	return domain.Notification{
		ID:        xid.New("ntf"),
		OrderID:   order.ID,
		Type:      eventType,
		Payload:   data,
		CreatedAt: s.now(),
	}, nil
}

func (s *Service) checkoutNotifications(order domain.Order) ([]domain.Notification, error) {
	created, err := s.notification(order, domain.EventOrderCreated, newOrderPayload(order, ""))
	if err != nil {
		return nil, err
	}
	decremented, err := s.notification(order, domain.EventStockDecremented, newStockPayload(order))
	if err != nil {
		return nil, err
	}
	return []domain.Notification{created, decremented}, nil
}

type tillPayload struct {
	OrderID     string `json:"orderId"`
	OrderNumber string `json:"orderNumber"`
	TerminalID  string `json:"terminalId"`
	TotalCents  int64  `json:"total"`
	ChangeCents int64  `json:"change"`
}

// emitTillEvents asks the till to open its drawer when cash changed hands and
// to print a receipt.
func (s *Service) emitTillEvents(order domain.Order) {
	payload := tillPayload{
		OrderID:     order.ID,
		OrderNumber: order.Number,
		TerminalID:  order.TerminalID,
		TotalCents:  order.Totals.TotalCents,
		ChangeCents: order.Totals.ChangeCents,
	}
	for _, tender := range order.Tenders {
		if domain.IsCash(tender.Method) {
			s.dispatch(domain.EventDrawerOpen, order.ID, payload)
			break
		}
	}
	s.dispatch(domain.EventReceiptRequested, order.ID, payload)
}

func (s *Service) toCheckoutResponse(order *domain.Order, duplicate bool) domain.CheckoutResponse {
	resp := domain.CheckoutResponse{
		OrderID:     order.ID,
		OrderNumber: order.Number,
		Channel:     order.Channel,
		Status:      order.Status,
		Subtotal:    order.Totals.SubtotalCents,
		Discount:    order.Totals.DiscountCents,
		Tax:         order.Totals.TaxCents,
		Shipping:    order.Totals.ShippingCents,
		Total:       order.Totals.TotalCents,
		Paid:        order.Totals.PaidCents,
		Change:      order.Totals.ChangeCents,
		Tenders:     order.Tenders,
		Duplicate:   duplicate,
		CreatedAt:   order.CreatedAt.Format(time.RFC3339),
	}
	if order.Channel == domain.ChannelPOS {
		breakdown := s.pricing.Decompose(order.Totals.TotalCents)
		resp.Breakdown = &breakdown
	}
	return resp
}
