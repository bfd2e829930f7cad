package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrPaymentMismatch   = errors.New("payment does not cover total")
	ErrInvalidPayment    = errors.New("invalid payment")
	ErrInsufficientStock = errors.New("insufficient stock")
)

type TransitionError struct {
	From OrderStatus
	To   OrderStatus
}

// Error reports the rejected move. An empty To means From has no next step.
func (e *TransitionError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("order in status %s has no next step", e.From)
	}
	return fmt.Sprintf("cannot move order from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

type PaymentMismatchError struct {
	TotalCents int64
	PaidCents  int64
}

func (e *PaymentMismatchError) Shortfall() int64 {
	return e.TotalCents - e.PaidCents
}

func (e *PaymentMismatchError) Error() string {
	return fmt.Sprintf("payment short by %d (total %d, paid %d)", e.Shortfall(), e.TotalCents, e.PaidCents)
}

func (e *PaymentMismatchError) Is(target error) bool {
	return target == ErrPaymentMismatch
}

// StockError names the variant cell that could not cover a request.
type StockError struct {
	ProductID string
	Color     string
	Size      string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s %s/%s: requested %d, available %d",
		e.ProductID, e.Color, e.Size, e.Requested, e.Available)
}

func (e *StockError) Is(target error) bool {
	return target == ErrInsufficientStock
}
