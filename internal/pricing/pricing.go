package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"varistock/backend/internal/domain"
)

const DefaultVATPercent = 12

var (
	ErrOrderTooLarge   = errors.New("order exceeds the largest bag size, contact support")
	ErrInvalidDiscount = errors.New("invalid discount")
	ErrUnknownRegion   = errors.New("unknown shipping region")
	ErrUnknownTier     = errors.New("unknown shipping tier")
)

var hundred = decimal.NewFromInt(100)

type Options struct {
	VATPercent    float64
	AdminFeeCents int64
	MarkupPercent float64
	Shipping      ShippingTable
}

type Calculator struct {
	vat           decimal.Decimal
	adminFee      decimal.Decimal
	markupPercent float64
	shipping      ShippingTable
}

func NewCalculator(opts Options) *Calculator {
	if opts.VATPercent <= 0 {
		opts.VATPercent = DefaultVATPercent
	}
	if len(opts.Shipping.Tiers) == 0 {
		opts.Shipping = DefaultShippingTable()
	}
	return &Calculator{
		vat:           decimal.NewFromFloat(opts.VATPercent),
		adminFee:      decimal.NewFromInt(opts.AdminFeeCents),
		markupPercent: opts.MarkupPercent,
		shipping:      opts.Shipping,
	}
}

// Quote is the priced view of a cart before any stock is touched.
type Quote struct {
	Totals       domain.Totals          `json:"totals"`
	Discount     *domain.Discount       `json:"discount,omitempty"`
	Breakdown    *domain.PriceBreakdown `json:"breakdown,omitempty"`
	ItemCount    int                    `json:"itemCount"`
	ShippingTier string                 `json:"shippingTier,omitempty"`
}

// Quote prices items for channel. Storefront carts add VAT on the discounted
// subtotal plus shipping; till sales are VAT-inclusive and never ship.
func (c *Calculator) Quote(channel domain.Channel, items []domain.OrderItem, discount *domain.DiscountRequest, shipping *domain.ShippingRequest) (Quote, error) {
	quote := Quote{}
	subtotal := int64(0)
	for _, item := range items {
		subtotal += item.LineTotalCents()
		quote.ItemCount += item.Quantity
	}

	applied, err := ComputeDiscount(subtotal, discount)
	if err != nil {
		return Quote{}, err
	}
	quote.Discount = applied
	discountCents := int64(0)
	if applied != nil {
		discountCents = applied.ComputedAmount
	}

	taxBase := subtotal - discountCents
	totals := domain.Totals{SubtotalCents: subtotal, DiscountCents: discountCents}

	switch channel {
	case domain.ChannelPOS:
		totals.TaxCents = c.InclusiveVAT(taxBase)
		totals.TotalCents = taxBase
		breakdown := c.Decompose(taxBase)
		quote.Breakdown = &breakdown
	default:
		totals.TaxCents = c.VAT(taxBase)
		region := ""
		tier := ""
		if shipping != nil {
			region = shipping.Region
			tier = shipping.ItemTier
		}
		fee, tierName, err := c.shipping.Fee(quote.ItemCount, tier, region)
		if err != nil {
			return Quote{}, err
		}
		totals.ShippingCents = fee
		quote.ShippingTier = tierName
		totals.TotalCents = taxBase + totals.TaxCents + fee
	}

	quote.Totals = totals
	return quote, nil
}

// ComputeDiscount resolves a discount request against subtotal. The computed
// amount never exceeds subtotal.
func ComputeDiscount(subtotal int64, req *domain.DiscountRequest) (*domain.Discount, error) {
	if req == nil || strings.TrimSpace(req.Kind) == "" {
		return nil, nil
	}
	if req.Value < 0 {
		return nil, fmt.Errorf("%w: value must not be negative", ErrInvalidDiscount)
	}

	kind := domain.DiscountKind(strings.ToLower(strings.TrimSpace(req.Kind)))
	var value decimal.Decimal
	switch kind {
	case domain.DiscountPercentage:
		if req.Value > 100 {
			return nil, fmt.Errorf("%w: percentage must be within 0..100", ErrInvalidDiscount)
		}
		value = decimal.NewFromInt(subtotal).Mul(decimal.NewFromFloat(req.Value)).Div(hundred)
	case domain.DiscountFixed:
		value = decimal.NewFromFloat(req.Value)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidDiscount, req.Kind)
	}
	// Clamp before narrowing to int64.
	value = decimal.Min(value.Round(0), decimal.NewFromInt(subtotal))
	amount := value.IntPart()
	if amount < 0 {
		amount = 0
	}
	return &domain.Discount{Kind: kind, Value: req.Value, ComputedAmount: amount}, nil
}

// VAT is the tax added on top of base, rounded half-up to a cent.
func (c *Calculator) VAT(base int64) int64 {
	if base <= 0 {
		return 0
	}
	return decimal.NewFromInt(base).Mul(c.vat).Div(hundred).Round(0).IntPart()
}

// InclusiveVAT is the tax already contained in a VAT-inclusive amount.
func (c *Calculator) InclusiveVAT(inclusive int64) int64 {
	if inclusive <= 0 {
		return 0
	}
	gross := decimal.NewFromInt(inclusive)
	net := gross.Div(hundred.Add(c.vat).Div(hundred)).Round(0)
	return gross.Sub(net).IntPart()
}

// Retail builds a shelf price from a base cost: base, then admin fee, then
// markup, then VAT.
func (c *Calculator) Retail(baseCents int64) domain.PriceBreakdown {
	base := decimal.NewFromInt(baseCents)
	withFee := base.Add(c.adminFee)
	markup := withFee.Mul(decimal.NewFromFloat(c.markupPercent)).Div(hundred).Round(0)
	preVAT := withFee.Add(markup)
	vat := preVAT.Mul(c.vat).Div(hundred).Round(0)
	return domain.PriceBreakdown{
		BaseCents:     baseCents,
		AdminFeeCents: c.adminFee.IntPart(),
		MarkupPercent: c.markupPercent,
		MarkupCents:   markup.IntPart(),
		VATCents:      vat.IntPart(),
		RetailCents:   preVAT.Add(vat).IntPart(),
	}
}

// Decompose runs Retail backwards over a VAT-inclusive amount. The parts
// always add up to retailCents.
func (c *Calculator) Decompose(retailCents int64) domain.PriceBreakdown {
	retail := decimal.NewFromInt(retailCents)
	vatFactor := hundred.Add(c.vat).Div(hundred)
	markupFactor := hundred.Add(decimal.NewFromFloat(c.markupPercent)).Div(hundred)

	preVAT := retail.Div(vatFactor).Round(0)
	withFee := preVAT.Div(markupFactor).Round(0)
	adminFee := c.adminFee
	if adminFee.GreaterThan(withFee) {
		adminFee = withFee
	}
	return domain.PriceBreakdown{
		BaseCents:     withFee.Sub(adminFee).IntPart(),
		AdminFeeCents: adminFee.IntPart(),
		MarkupPercent: c.markupPercent,
		MarkupCents:   preVAT.Sub(withFee).IntPart(),
		VATCents:      retail.Sub(preVAT).IntPart(),
		RetailCents:   retailCents,
	}
}
