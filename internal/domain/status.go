package domain

import (
	"fmt"
	"strings"
	"time"
)

type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusConfirmed  OrderStatus = "confirmed"
	StatusProcessing OrderStatus = "processing"
	StatusShipped    OrderStatus = "shipped"
	StatusDelivered  OrderStatus = "delivered"
	StatusCancelled  OrderStatus = "cancelled"
	StatusReturned   OrderStatus = "returned"
)

// transitions is the complete set of legal status moves. Anything absent is
// rejected.
var transitions = map[OrderStatus][]OrderStatus{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered, StatusCancelled},
	StatusDelivered:  {StatusReturned},
	StatusCancelled:  nil,
	StatusReturned:   nil,
}

var forward = map[OrderStatus]OrderStatus{
	StatusPending:    StatusConfirmed,
	StatusConfirmed:  StatusProcessing,
	StatusProcessing: StatusShipped,
	StatusShipped:    StatusDelivered,
}

func AllStatuses() []OrderStatus {
	return []OrderStatus{
		StatusPending, StatusConfirmed, StatusProcessing, StatusShipped,
		StatusDelivered, StatusCancelled, StatusReturned,
	}
}

func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("unknown order status %q", raw)
	}
	return status, nil
}

func (s OrderStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s OrderStatus) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusReturned
}

// IsReversal reports whether moving into s restores stock.
func (s OrderStatus) IsReversal() bool {
	return s == StatusCancelled || s == StatusReturned
}

// Next is the single forward step from s, if any.
func (s OrderStatus) Next() (OrderStatus, bool) {
	next, ok := forward[s]
	return next, ok
}

func NextStatus(s OrderStatus) (OrderStatus, bool) {
	return s.Next()
}

func (s OrderStatus) AllowedNext() []OrderStatus {
	return append([]OrderStatus(nil), transitions[s]...)
}

func CanTransition(from OrderStatus, to OrderStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func ValidateTransition(from OrderStatus, to OrderStatus) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// ApplyTransition moves the order to status to and stamps the matching
// timestamp. The order is left untouched when the move is illegal.
func (o *Order) ApplyTransition(to OrderStatus, at time.Time) error {
	if err := ValidateTransition(o.Status, to); err != nil {
		return err
	}
	stamp := at.UTC()
	switch to {
	case StatusConfirmed:
		o.ConfirmedAt = &stamp
	case StatusProcessing:
		o.ProcessingAt = &stamp
	case StatusShipped:
		o.ShippedAt = &stamp
	case StatusDelivered:
		o.DeliveredAt = &stamp
	case StatusCancelled:
		o.CancelledAt = &stamp
	case StatusReturned:
		o.ReturnedAt = &stamp
	}
	o.Status = to
	o.UpdatedAt = stamp
	return nil
}

// TerminalAt returns when the order entered its current terminal status.
func (o Order) TerminalAt() (time.Time, bool) {
	var at *time.Time
	switch o.Status {
	case StatusDelivered:
		at = o.DeliveredAt
	case StatusCancelled:
		at = o.CancelledAt
	case StatusReturned:
		at = o.ReturnedAt
	default:
		return time.Time{}, false
	}
	if at == nil {
		return o.UpdatedAt, true
	}
	return *at, true
}

// ReadyForArchive is the archival predicate: terminal, not yet archived and
// terminal for at least retention.
func (o Order) ReadyForArchive(now time.Time, retention time.Duration) bool {
	if o.ArchivedAt != nil {
		return false
	}
	at, ok := o.TerminalAt()
	if !ok {
		return false
	}
	return at.Before(now.Add(-retention))
}
