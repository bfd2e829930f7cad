package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"varistock/backend/internal/domain"
	"varistock/backend/internal/store"
)

type orderRow struct {
	ID             string          `db:"id"`
	Number         string          `db:"number"`
	Channel        string          `db:"channel"`
	Status         string          `db:"status"`
	PaymentStatus  string          `db:"payment_status"`
	CustomerName   sql.NullString  `db:"customer_name"`
	TerminalID     sql.NullString  `db:"terminal_id"`
	IdempotencyKey sql.NullString  `db:"idempotency_key"`
	SubtotalCents  int64           `db:"subtotal_cents"`
	DiscountCents  int64           `db:"discount_cents"`
	DiscountKind   sql.NullString  `db:"discount_kind"`
	DiscountValue  sql.NullFloat64 `db:"discount_value"`
	TaxCents       int64           `db:"tax_cents"`
	ShippingCents  int64           `db:"shipping_cents"`
	TotalCents     int64           `db:"total_cents"`
	PaidCents      int64           `db:"paid_cents"`
	ChangeCents    int64           `db:"change_cents"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
	ConfirmedAt    sql.NullTime    `db:"confirmed_at"`
	ProcessingAt   sql.NullTime    `db:"processing_at"`
	ShippedAt      sql.NullTime    `db:"shipped_at"`
	DeliveredAt    sql.NullTime    `db:"delivered_at"`
	CancelledAt    sql.NullTime    `db:"cancelled_at"`
	ReturnedAt     sql.NullTime    `db:"returned_at"`
	TerminalAt     sql.NullTime    `db:"terminal_at"`
	ArchivedAt     sql.NullTime    `db:"archived_at"`
}

type itemRow struct {
	OrderID        string `db:"order_id"`
	LineNo         int    `db:"line_no"`
	ProductID      string `db:"product_id"`
	Name           string `db:"name"`
	Color          string `db:"color"`
	Size           string `db:"size"`
	Quantity       int    `db:"quantity"`
	UnitPriceCents int64  `db:"unit_price_cents"`
}

type tenderRow struct {
	OrderID     string         `db:"order_id"`
	LineNo      int            `db:"line_no"`
	Method      string         `db:"method"`
	AmountCents int64          `db:"amount_cents"`
	Reference   sql.NullString `db:"reference"`
}

const orderColumns = `
	id, number, channel, status, payment_status, customer_name, terminal_id, idempotency_key,
	subtotal_cents, discount_cents, discount_kind, discount_value, tax_cents, shipping_cents,
	total_cents, paid_cents, change_cents, created_at, updated_at, confirmed_at, processing_at,
	shipped_at, delivered_at, cancelled_at, returned_at, terminal_at, archived_at
`

func (s *Store) CreateOrder(ctx context.Context, order domain.Order, notifications []domain.Notification) (*domain.Order, error) {
	if order.ID == "" || len(order.Items) == 0 {
		return nil, store.ErrInvalidRequest
	}
	movements := sortedMovements(order.Movements())
	for _, m := range movements {
		if err := store.ValidateQty(m.Qty); err != nil {
			return nil, err
		}
	}

	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range movements {
		if err := decrement(ctx, tx, m); err != nil {
			return nil, err
		}
	}

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (
			:id, :number, :channel, :status, :payment_status, :customer_name, :terminal_id, :idempotency_key,
			:subtotal_cents, :discount_cents, :discount_kind, :discount_value, :tax_cents, :shipping_cents,
			:total_cents, :paid_cents, :change_cents, :created_at, :updated_at, :confirmed_at, :processing_at,
			:shipped_at, :delivered_at, :cancelled_at, :returned_at, :terminal_at, :archived_at
		)
	`, toOrderRow(order))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, storageErr("insert order", err)
	}

	for i, item := range order.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, line_no, product_id, name, color, size, quantity, unit_price_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, order.ID, i+1, item.ProductID, item.Name, item.Color, item.Size, item.Quantity, item.UnitPriceCents)
		if err != nil {
			return nil, storageErr("insert order item", err)
		}
	}
	for i, tender := range order.Tenders {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_tenders (order_id, line_no, method, amount_cents, reference)
			VALUES ($1,$2,$3,$4,$5)
		`, order.ID, i+1, tender.Method.Code(), tender.AmountCents, nullIfEmpty(tender.Reference))
		if err != nil {
			return nil, storageErr("insert order tender", err)
		}
	}
	if err := insertNotifications(ctx, tx, notifications); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit order", err)
	}
	created := order.Clone()
	return &created, nil
}

func (s *Store) FindOrderByIdempotency(ctx context.Context, key string) (*domain.Order, error) {
	return loadOrder(ctx, s.db, "idempotency_key", key, false)
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return loadOrder(ctx, s.db, "id", orderID, false)
}

func (s *Store) ListOrders(ctx context.Context, filter store.OrderFilter) ([]domain.Order, error) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Channel != "" {
		args = append(args, string(filter.Channel))
		clauses = append(clauses, fmt.Sprintf("channel = $%d", len(args)))
	}
	if !filter.IncludeArchived {
		clauses = append(clauses, "archived_at IS NULL")
	}
	limit := filter.Limit
	if limit < 1 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	var rows []orderRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storageErr("list orders", err)
	}
	return hydrateOrders(ctx, s.db, rows)
}

func (s *Store) TransitionOrder(ctx context.Context, orderID string, to domain.OrderStatus, at time.Time, notify store.NotificationBuilder) (*domain.Order, error) {
	if to.IsReversal() {
		return nil, errors.Wrapf(store.ErrInvalidRequest, "%s must go through ReverseOrder", to)
	}
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := loadOrder(ctx, tx, "id", orderID, true)
	if err != nil {
		return nil, err
	}
	if err := store.CheckMutable(*order); err != nil {
		return nil, err
	}
	if err := order.ApplyTransition(to, at); err != nil {
		return nil, err
	}
	if err := updateOrderStatus(ctx, tx, *order); err != nil {
		return nil, err
	}
	if err := enqueue(ctx, tx, *order, notify); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit transition", err)
	}
	return order, nil
}

func (s *Store) ReverseOrder(ctx context.Context, orderID string, to domain.OrderStatus, at time.Time, notify store.NotificationBuilder) (*domain.Order, error) {
	if !to.IsReversal() {
		return nil, errors.Wrapf(store.ErrInvalidRequest, "%s does not restore stock", to)
	}
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := loadOrder(ctx, tx, "id", orderID, true)
	if err != nil {
		return nil, err
	}
	if err := store.CheckMutable(*order); err != nil {
		return nil, err
	}
	if err := order.ApplyTransition(to, at); err != nil {
		return nil, err
	}
	for _, m := range sortedMovements(order.Movements()) {
		if err := increment(ctx, tx, m); err != nil {
			return nil, err
		}
	}
	if err := updateOrderStatus(ctx, tx, *order); err != nil {
		return nil, err
	}
	if err := enqueue(ctx, tx, *order, notify); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit reversal", err)
	}
	return order, nil
}

func (s *Store) RecordOrderView(ctx context.Context, view domain.OrderView) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_views (order_id, viewer, viewed_at)
		VALUES ($1,$2,$3)
	`, view.OrderID, view.Viewer, view.ViewedAt.UTC())
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrNotFound
		}
		return storageErr("record view", err)
	}
	return nil
}

func loadOrder(ctx context.Context, q sqlx.QueryerContext, column string, value string, forUpdate bool) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE ` + column + ` = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var row orderRow
	if err := sqlx.GetContext(ctx, q, &row, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, storageErr("get order", err)
	}
	orders, err := hydrateOrders(ctx, q, []orderRow{row})
	if err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func hydrateOrders(ctx context.Context, q sqlx.QueryerContext, rows []orderRow) ([]domain.Order, error) {
	if len(rows) == 0 {
		return []domain.Order{}, nil
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}

	var items []itemRow
	if err := sqlx.SelectContext(ctx, q, &items, `
		SELECT order_id, line_no, product_id, name, color, size, quantity, unit_price_cents
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, line_no
	`, ids); err != nil {
		return nil, storageErr("get order items", err)
	}
	var tenders []tenderRow
	if err := sqlx.SelectContext(ctx, q, &tenders, `
		SELECT order_id, line_no, method, amount_cents, reference
		FROM order_tenders
		WHERE order_id = ANY($1)
		ORDER BY order_id, line_no
	`, ids); err != nil {
		return nil, storageErr("get order tenders", err)
	}

	itemsByOrder := make(map[string][]domain.OrderItem, len(rows))
	for _, item := range items {
		itemsByOrder[item.OrderID] = append(itemsByOrder[item.OrderID], domain.OrderItem{
			ProductID:      item.ProductID,
			Name:           item.Name,
			Color:          item.Color,
			Size:           item.Size,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
		})
	}
	tendersByOrder := make(map[string][]domain.Tender, len(rows))
	for _, tender := range tenders {
		method, err := domain.ParsePaymentMethod(tender.Method)
		if err != nil {
			return nil, storageErr("decode tender", err)
		}
		tendersByOrder[tender.OrderID] = append(tendersByOrder[tender.OrderID], domain.Tender{
			Method:      method,
			AmountCents: tender.AmountCents,
			Reference:   tender.Reference.String,
		})
	}

	out := make([]domain.Order, 0, len(rows))
	for _, row := range rows {
		order := row.toDomain()
		order.Items = itemsByOrder[row.ID]
		order.Tenders = tendersByOrder[row.ID]
		out = append(out, order)
	}
	return out, nil
}

func updateOrderStatus(ctx context.Context, q sqlx.ExecerContext, order domain.Order) error {
	_, err := q.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, updated_at = $3, confirmed_at = $4, processing_at = $5, shipped_at = $6,
			delivered_at = $7, cancelled_at = $8, returned_at = $9, terminal_at = $10
		WHERE id = $1
	`, order.ID, string(order.Status), order.UpdatedAt.UTC(), nullTime(order.ConfirmedAt),
		nullTime(order.ProcessingAt), nullTime(order.ShippedAt), nullTime(order.DeliveredAt),
		nullTime(order.CancelledAt), nullTime(order.ReturnedAt), terminalAt(order))
	if err != nil {
		return storageErr("update order status", err)
	}
	return nil
}

func enqueue(ctx context.Context, q sqlx.ExecerContext, order domain.Order, notify store.NotificationBuilder) error {
	if notify == nil {
		return nil
	}
	notifications, err := notify(order)
	if err != nil {
		return err
	}
	return insertNotifications(ctx, q, notifications)
}

func insertNotifications(ctx context.Context, q sqlx.ExecerContext, notifications []domain.Notification) error {
	for _, n := range notifications {
		payload := n.Payload
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO order_notifications (id, order_id, type, payload, created_at, sent_at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, n.ID, n.OrderID, n.Type, string(payload), n.CreatedAt.UTC(), nullTime(n.SentAt))
		if err != nil {
			return storageErr("insert notification", err)
		}
	}
	return nil
}

func terminalAt(order domain.Order) sql.NullTime {
	at, ok := order.TerminalAt()
	if !ok {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: at.UTC(), Valid: true}
}

func toOrderRow(order domain.Order) orderRow {
	row := orderRow{
		ID:             order.ID,
		Number:         order.Number,
		Channel:        string(order.Channel),
		Status:         string(order.Status),
		PaymentStatus:  string(order.PaymentStatus),
		CustomerName:   nullIfEmpty(order.CustomerName),
		TerminalID:     nullIfEmpty(order.TerminalID),
		IdempotencyKey: nullIfEmpty(order.IdempotencyKey),
		SubtotalCents:  order.Totals.SubtotalCents,
		DiscountCents:  order.Totals.DiscountCents,
		TaxCents:       order.Totals.TaxCents,
		ShippingCents:  order.Totals.ShippingCents,
		TotalCents:     order.Totals.TotalCents,
		PaidCents:      order.Totals.PaidCents,
		ChangeCents:    order.Totals.ChangeCents,
		CreatedAt:      order.CreatedAt.UTC(),
		UpdatedAt:      order.UpdatedAt.UTC(),
		ConfirmedAt:    nullTime(order.ConfirmedAt),
		ProcessingAt:   nullTime(order.ProcessingAt),
		ShippedAt:      nullTime(order.ShippedAt),
		DeliveredAt:    nullTime(order.DeliveredAt),
		CancelledAt:    nullTime(order.CancelledAt),
		ReturnedAt:     nullTime(order.ReturnedAt),
		TerminalAt:     terminalAt(order),
		ArchivedAt:     nullTime(order.ArchivedAt),
	}
	if order.Discount != nil {
		row.DiscountKind = nullIfEmpty(string(order.Discount.Kind))
		row.DiscountValue = sql.NullFloat64{Float64: order.Discount.Value, Valid: true}
	}
	return row
}

func (r orderRow) toDomain() domain.Order {
	order := domain.Order{
		ID:             r.ID,
		Number:         r.Number,
		Channel:        domain.Channel(r.Channel),
		Status:         domain.OrderStatus(r.Status),
		PaymentStatus:  domain.PaymentStatus(r.PaymentStatus),
		CustomerName:   r.CustomerName.String,
		TerminalID:     r.TerminalID.String,
		IdempotencyKey: r.IdempotencyKey.String,
		Totals: domain.Totals{
			SubtotalCents: r.SubtotalCents,
			DiscountCents: r.DiscountCents,
			TaxCents:      r.TaxCents,
			ShippingCents: r.ShippingCents,
			TotalCents:    r.TotalCents,
			PaidCents:     r.PaidCents,
			ChangeCents:   r.ChangeCents,
		},
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
		ConfirmedAt:  timePtr(r.ConfirmedAt),
		ProcessingAt: timePtr(r.ProcessingAt),
		ShippedAt:    timePtr(r.ShippedAt),
		DeliveredAt:  timePtr(r.DeliveredAt),
		CancelledAt:  timePtr(r.CancelledAt),
		ReturnedAt:   timePtr(r.ReturnedAt),
		ArchivedAt:   timePtr(r.ArchivedAt),
	}
	if r.DiscountKind.Valid {
		order.Discount = &domain.Discount{
			Kind:           domain.DiscountKind(r.DiscountKind.String),
			Value:          r.DiscountValue.Float64,
			ComputedAmount: r.DiscountCents,
		}
	}
	return order
}
