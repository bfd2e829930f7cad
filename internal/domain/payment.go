package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PaymentMethod is a closed set: Cash, Card, BankTransfer and DigitalWallet.
type PaymentMethod interface {
	Code() string
	paymentMethod()
}

type Cash struct{}

type Card struct{}

type BankTransfer struct{}

type DigitalWallet struct {
	Provider string
}

func (Cash) Code() string         { return "cash" }
func (Card) Code() string         { return "card" }
func (BankTransfer) Code() string { return "bank_transfer" }
func (w DigitalWallet) Code() string {
	return "wallet:" + w.Provider
}

func (Cash) paymentMethod()          {}
func (Card) paymentMethod()          {}
func (BankTransfer) paymentMethod()  {}
func (DigitalWallet) paymentMethod() {}

// ParsePaymentMethod accepts the wire codes produced by Code. A bare "wallet"
// or "e-wallet" is rejected because the provider is required.
func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	code := strings.ToLower(strings.TrimSpace(raw))
	switch code {
	case "cash":
		return Cash{}, nil
	case "card", "debit", "credit", "debit_card", "credit_card":
		return Card{}, nil
	case "bank_transfer", "transfer", "bank":
		return BankTransfer{}, nil
	}
	for _, prefix := range []string{"wallet:", "e-wallet:", "ewallet:"} {
		if strings.HasPrefix(code, prefix) {
			provider := strings.TrimSpace(strings.TrimPrefix(code, prefix))
			if provider == "" {
				break
			}
			return DigitalWallet{Provider: provider}, nil
		}
	}
	return nil, fmt.Errorf("%w: unsupported payment method %q", ErrInvalidPayment, raw)
}

func IsCash(m PaymentMethod) bool {
	_, ok := m.(Cash)
	return ok
}

type Tender struct {
	Method      PaymentMethod
	AmountCents int64
	Reference   string
}

type tenderJSON struct {
	Method    string `json:"method"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

func (t Tender) MarshalJSON() ([]byte, error) {
	code := ""
	if t.Method != nil {
		code = t.Method.Code()
	}
	return json.Marshal(tenderJSON{Method: code, Amount: t.AmountCents, Reference: t.Reference})
}

func (t *Tender) UnmarshalJSON(data []byte) error {
	var raw tenderJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	method, err := ParsePaymentMethod(raw.Method)
	if err != nil {
		return err
	}
	t.Method = method
	t.AmountCents = raw.Amount
	t.Reference = raw.Reference
	return nil
}

// Settlement is the outcome of matching tenders against a total.
type Settlement struct {
	PaidCents   int64
	ChangeCents int64
}

// Settle checks that tenders cover total. Change is only returned when the
// sale was paid with exactly one cash tender.
func Settle(total int64, tenders []Tender) (Settlement, error) {
	var paid int64
	for _, tender := range tenders {
		if tender.AmountCents <= 0 {
			return Settlement{}, fmt.Errorf("%w: tender amount must be positive", ErrInvalidPayment)
		}
		switch method := tender.Method.(type) {
		case Cash, Card, BankTransfer:
		case DigitalWallet:
			if method.Provider == "" {
				return Settlement{}, fmt.Errorf("%w: wallet provider is required", ErrInvalidPayment)
			}
		default:
			return Settlement{}, fmt.Errorf("%w: unsupported payment method", ErrInvalidPayment)
		}
		paid += tender.AmountCents
	}
	if paid < total {
		return Settlement{}, &PaymentMismatchError{TotalCents: total, PaidCents: paid}
	}
	settlement := Settlement{PaidCents: paid}
	if len(tenders) == 1 && IsCash(tenders[0].Method) {
		settlement.ChangeCents = paid - total
	}
	return settlement, nil
}
