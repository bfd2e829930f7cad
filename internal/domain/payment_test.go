package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePaymentMethod(t *testing.T) {
	cases := map[string]PaymentMethod{
		"cash":          Cash{},
		"CARD":          Card{},
		"bank_transfer": BankTransfer{},
		"wallet:gcash":  DigitalWallet{Provider: "gcash"},
		"e-wallet:maya": DigitalWallet{Provider: "maya"},
	}
	for raw, want := range cases {
		got, err := ParsePaymentMethod(raw)
		require.NoErrorf(t, err, "parse %q", raw)
		assert.Equal(t, want, got)
	}

	for _, raw := range []string{"", "wallet:", "crypto", "wallet"} {
		_, err := ParsePaymentMethod(raw)
		assert.Truef(t, errors.Is(err, ErrInvalidPayment), "expected rejection for %q", raw)
	}
}

func TestSettleSingleCashGivesChange(t *testing.T) {
	settlement, err := Settle(1500, []Tender{{Method: Cash{}, AmountCents: 2000}})
	require.NoError(t, err)
	assert.Equal(t, int64(2000), settlement.PaidCents)
	assert.Equal(t, int64(500), settlement.ChangeCents)
}

func TestSettleSplitTenderHasNoChange(t *testing.T) {
	settlement, err := Settle(1000, []Tender{
		{Method: Cash{}, AmountCents: 600},
		{Method: Card{}, AmountCents: 500, Reference: "AUTH-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1100), settlement.PaidCents)
	assert.Zero(t, settlement.ChangeCents)
}

func TestSettleShortfall(t *testing.T) {
	_, err := Settle(1000, []Tender{{Method: Cash{}, AmountCents: 600}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPaymentMismatch))

	var mismatch *PaymentMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, int64(400), mismatch.Shortfall())
}

func TestTenderJSONRoundTripKeepsVariant(t *testing.T) {
	raw, err := json.Marshal(Tender{Method: DigitalWallet{Provider: "gcash"}, AmountCents: 750})
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"wallet:gcash","amount":750}`, string(raw))

	var decoded Tender
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, DigitalWallet{Provider: "gcash"}, decoded.Method)
}

func TestOrderMovementsMergeLines(t *testing.T) {
	order := Order{Items: []OrderItem{
		{ProductID: "p1", Color: "red", Size: "M", Quantity: 1},
		{ProductID: "p1", Color: "red", Size: "M", Quantity: 2},
		{ProductID: "p1", Color: "blue", Size: "M", Quantity: 1},
	}}
	movements := order.Movements()
	require.Len(t, movements, 2)
	assert.Equal(t, 3, movements[0].Qty)
	assert.Equal(t, "blue", movements[1].Color)
}
