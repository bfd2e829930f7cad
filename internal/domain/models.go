package domain

import "time"

// Product carries the colour x size stock matrix. TotalStock always equals the
// sum of every cell in Variants.
type Product struct {
	ID         string                    `json:"id"`
	Name       string                    `json:"name"`
	PriceCents int64                     `json:"priceCents"`
	Variants   map[string]map[string]int `json:"variants"`
	TotalStock int                       `json:"totalStock"`
	Active     bool                      `json:"active"`
	CreatedAt  time.Time                 `json:"createdAt"`
}

func (p Product) Quantity(color string, size string) int {
	sizes, ok := p.Variants[color]
	if !ok {
		return 0
	}
	return sizes[size]
}

func (p Product) SumVariants() int {
	total := 0
	for _, sizes := range p.Variants {
		for _, qty := range sizes {
			total += qty
		}
	}
	return total
}

func CloneVariants(src map[string]map[string]int) map[string]map[string]int {
	out := make(map[string]map[string]int, len(src))
	for color, sizes := range src {
		inner := make(map[string]int, len(sizes))
		for size, qty := range sizes {
			inner[size] = qty
		}
		out[color] = inner
	}
	return out
}

// VariantKey addresses a single stock cell.
type VariantKey struct {
	ProductID string
	Color     string
	Size      string
}

type StockMovement struct {
	VariantKey
	Qty int
}

type Channel string

const (
	ChannelStorefront Channel = "storefront"
	ChannelPOS        Channel = "pos"
)

type PaymentStatus string

const (
	PaymentStatusUnpaid PaymentStatus = "unpaid"
	PaymentStatusPaid   PaymentStatus = "paid"
)

type OrderItem struct {
	ProductID      string `json:"productId"`
	Name           string `json:"name"`
	Color          string `json:"color"`
	Size           string `json:"size"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unitPrice"`
}

func (i OrderItem) Key() VariantKey {
	return VariantKey{ProductID: i.ProductID, Color: i.Color, Size: i.Size}
}

func (i OrderItem) LineTotalCents() int64 {
	return i.UnitPriceCents * int64(i.Quantity)
}

type Totals struct {
	SubtotalCents int64 `json:"subtotal"`
	DiscountCents int64 `json:"discount"`
	TaxCents      int64 `json:"tax"`
	ShippingCents int64 `json:"shipping"`
	TotalCents    int64 `json:"total"`
	PaidCents     int64 `json:"paid"`
	ChangeCents   int64 `json:"change"`
}

type Order struct {
	ID             string        `json:"id"`
	Number         string        `json:"orderNumber"`
	Channel        Channel       `json:"channel"`
	Status         OrderStatus   `json:"status"`
	PaymentStatus  PaymentStatus `json:"paymentStatus"`
	CustomerName   string        `json:"customerName,omitempty"`
	TerminalID     string        `json:"terminalId,omitempty"`
	IdempotencyKey string        `json:"-"`
	Items          []OrderItem   `json:"items"`
	Tenders        []Tender      `json:"tenders"`
	Discount       *Discount     `json:"discount,omitempty"`
	Totals         Totals        `json:"totals"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
	ConfirmedAt    *time.Time    `json:"confirmedAt,omitempty"`
	ProcessingAt   *time.Time    `json:"processingAt,omitempty"`
	ShippedAt      *time.Time    `json:"shippedAt,omitempty"`
	DeliveredAt    *time.Time    `json:"deliveredAt,omitempty"`
	CancelledAt    *time.Time    `json:"cancelledAt,omitempty"`
	ReturnedAt     *time.Time    `json:"returnedAt,omitempty"`
	ArchivedAt     *time.Time    `json:"archivedAt,omitempty"`
}

// Movements returns the stock movements an order's items represent, merged
// per variant cell.
func (o Order) Movements() []StockMovement {
	merged := make(map[VariantKey]int, len(o.Items))
	order := make([]VariantKey, 0, len(o.Items))
	for _, item := range o.Items {
		key := item.Key()
		if _, seen := merged[key]; !seen {
			order = append(order, key)
		}
		merged[key] += item.Quantity
	}
	out := make([]StockMovement, 0, len(order))
	for _, key := range order {
		out = append(out, StockMovement{VariantKey: key, Qty: merged[key]})
	}
	return out
}

func (o Order) Clone() Order {
	out := o
	out.Items = append([]OrderItem(nil), o.Items...)
	out.Tenders = append([]Tender(nil), o.Tenders...)
	if o.Discount != nil {
		d := *o.Discount
		out.Discount = &d
	}
	return out
}

type DiscountKind string

const (
	DiscountPercentage DiscountKind = "percentage"
	DiscountFixed      DiscountKind = "fixed"
)

type Discount struct {
	Kind           DiscountKind `json:"kind"`
	Value          float64      `json:"value"`
	ComputedAmount int64        `json:"computedAmount"`
}

type ArchiveRecord struct {
	OrderID     string      `json:"orderId"`
	OrderNumber string      `json:"orderNumber"`
	Status      OrderStatus `json:"status"`
	Reason      string      `json:"reason"`
	ArchivedAt  time.Time   `json:"archivedAt"`
}

type Notification struct {
	ID        string     `json:"id"`
	OrderID   string     `json:"orderId"`
	Type      string     `json:"type"`
	Payload   []byte     `json:"payload"`
	CreatedAt time.Time  `json:"createdAt"`
	SentAt    *time.Time `json:"sentAt,omitempty"`
}

type OrderView struct {
	OrderID  string    `json:"orderId"`
	Viewer   string    `json:"viewer"`
	ViewedAt time.Time `json:"viewedAt"`
}

type Actor struct {
	Username string
	IsAdmin  bool
	IsStaff  bool
}

func (a Actor) Role() string {
	switch {
	case a.IsAdmin:
		return "admin"
	case a.IsStaff:
		return "staff"
	default:
		return "customer"
	}
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actorUsername"`
	ActorRole     string    `json:"actorRole"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entityType"`
	EntityID      string    `json:"entityId"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"createdAt"`
}

type CheckoutItem struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Color     string `json:"color"`
	Size      string `json:"size"`
	Quantity  int    `json:"quantity"`
}

type TenderRequest struct {
	Method    string `json:"method"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

type DiscountRequest struct {
	Kind  string  `json:"kind"`
	Value float64 `json:"value"`
}

type ShippingRequest struct {
	ItemTier string `json:"itemTier,omitempty"`
	Region   string `json:"region"`
}

type CheckoutRequest struct {
	Items          []CheckoutItem   `json:"items"`
	Total          *int64           `json:"total,omitempty"`
	PaymentMethod  string           `json:"paymentMethod,omitempty"`
	AmountPaid     int64            `json:"amountPaid,omitempty"`
	PaymentDetails []TenderRequest  `json:"paymentDetails,omitempty"`
	CustomerName   string           `json:"customerName,omitempty"`
	Discount       *DiscountRequest `json:"discount,omitempty"`
	Tax            *int64           `json:"tax,omitempty"`
	Shipping       *ShippingRequest `json:"shipping,omitempty"`
	TerminalID     string           `json:"terminalId,omitempty"`
	IdempotencyKey string           `json:"idempotencyKey,omitempty"`
}

type CheckoutResponse struct {
	OrderID     string          `json:"orderId"`
	OrderNumber string          `json:"orderNumber"`
	Channel     Channel         `json:"channel"`
	Status      OrderStatus     `json:"status"`
	Subtotal    int64           `json:"subtotal"`
	Discount    int64           `json:"discount"`
	Tax         int64           `json:"tax"`
	Shipping    int64           `json:"shipping"`
	Total       int64           `json:"total"`
	Paid        int64           `json:"paid"`
	Change      int64           `json:"change"`
	Tenders     []Tender        `json:"tenders"`
	Breakdown   *PriceBreakdown `json:"breakdown,omitempty"`
	Duplicate   bool            `json:"duplicate"`
	CreatedAt   string          `json:"createdAt"`
}

// PriceBreakdown decomposes a VAT-inclusive retail amount for reporting. It
// never changes what the customer is charged.
type PriceBreakdown struct {
	BaseCents     int64   `json:"base"`
	AdminFeeCents int64   `json:"adminFee"`
	MarkupPercent float64 `json:"markupPercent"`
	MarkupCents   int64   `json:"markup"`
	VATCents      int64   `json:"vat"`
	RetailCents   int64   `json:"retail"`
}

type StatusChangeRequest struct {
	Status string `json:"status"`
}

type ReversalRequest struct {
	Reason     string `json:"reason"`
	ManagerPIN string `json:"managerPin,omitempty"`
}

type OrderResponse struct {
	Order Order `json:"order"`
}

type StockResponse struct {
	ProductID  string                    `json:"productId"`
	Variants   map[string]map[string]int `json:"variants"`
	TotalStock int                       `json:"totalStock"`
}

type EntityType string

const (
	EntityProduct  EntityType = "product"
	EntityOrder    EntityType = "order"
	EntityUser     EntityType = "user"
	EntityCarousel EntityType = "carousel"
	EntityMessage  EntityType = "message"
)

func (t EntityType) Valid() bool {
	switch t {
	case EntityProduct, EntityOrder, EntityUser, EntityCarousel, EntityMessage:
		return true
	default:
		return false
	}
}

type DeleteTarget struct {
	ID   string     `json:"id"`
	Type EntityType `json:"type"`
}

type BulkDeleteRequest struct {
	Items []DeleteTarget `json:"items"`
}

type DeletedEntity struct {
	ID        string     `json:"id"`
	Type      EntityType `json:"type"`
	DeletedAt string     `json:"deletedAt"`
}

type SkippedEntity struct {
	ID     string     `json:"id"`
	Type   EntityType `json:"type"`
	Reason string     `json:"reason"`
}

type BulkDeleteResponse struct {
	TotalDeleted int             `json:"totalDeleted"`
	Deleted      []DeletedEntity `json:"deleted"`
	Skipped      []SkippedEntity `json:"skipped"`
}

type MaintenanceStats struct {
	Total             int `json:"total"`
	Archived          int `json:"archived"`
	Active            int `json:"active"`
	ReadyForArchiving int `json:"readyForArchiving"`
	ReadyForDeletion  int `json:"readyForDeletion"`
}

type MaintenanceReport struct {
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Archived   int       `json:"archived"`
	Deleted    int       `json:"deleted"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
}

type MaintenanceStatus struct {
	Running    bool               `json:"running"`
	InProgress bool               `json:"inProgress"`
	LastRunAt  *time.Time         `json:"lastRunAt,omitempty"`
	NextRunAt  *time.Time         `json:"nextRunAt,omitempty"`
	LastError  string             `json:"lastError,omitempty"`
	LastReport *MaintenanceReport `json:"lastReport,omitempty"`
	Restarts   int                `json:"restarts"`
}

const (
	EventOrderCreated        = "order.created"
	EventOrderCancelled      = "order.cancelled"
	EventOrderReturned       = "order.returned"
	EventStockDecremented    = "stock.decremented"
	EventStockRestored       = "stock.restored"
	EventDrawerOpen          = "pos.drawer_open"
	EventReceiptRequested    = "pos.receipt_requested"
	EventOrderStatusAdvanced = "order.status_advanced"
)
