package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"varistock/backend/internal/domain"
	"varistock/backend/internal/store"
)

const terminalStatuses = `('delivered','cancelled','returned')`

type archiveRow struct {
	OrderID     string    `db:"order_id"`
	OrderNumber string    `db:"order_number"`
	Status      string    `db:"status"`
	Reason      string    `db:"reason"`
	ArchivedAt  time.Time `db:"archived_at"`
}

type statsRow struct {
	Total             int `db:"total"`
	Archived          int `db:"archived"`
	Active            int `db:"active"`
	ReadyForArchiving int `db:"ready_for_archiving"`
	ReadyForDeletion  int `db:"ready_for_deletion"`
}

var auxiliaryTables = map[domain.EntityType]string{
	domain.EntityUser:     "users",
	domain.EntityCarousel: "carousel_slides",
	domain.EntityMessage:  "messages",
}

// ListArchivable returns order headers without items or tenders.
func (s *Store) ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	if limit < 1 {
		limit = 500
	}
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE archived_at IS NULL AND status IN `+terminalStatuses+` AND terminal_at < $1
		ORDER BY terminal_at
		LIMIT $2
	`, cutoff.UTC(), limit)
	if err != nil {
		return nil, storageErr("list archivable", err)
	}
	out := make([]domain.Order, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (s *Store) ArchiveOrder(ctx context.Context, orderID string, cutoff time.Time, record domain.ArchiveRecord) (*domain.ArchiveRecord, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var row orderRow
	err = tx.GetContext(ctx, &row, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, storageErr("lock order", err)
	}
	order := row.toDomain()
	at, terminal := order.TerminalAt()
	if order.ArchivedAt != nil || !terminal || !at.Before(cutoff) {
		return nil, store.ErrArchivalSkip
	}

	record.OrderID = order.ID
	record.OrderNumber = order.Number
	record.Status = order.Status
	record.ArchivedAt = record.ArchivedAt.UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO order_archives (order_id, order_number, status, reason, archived_at)
		VALUES ($1,$2,$3,$4,$5)
	`, record.OrderID, record.OrderNumber, string(record.Status), record.Reason, record.ArchivedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrArchivalSkip
		}
		return nil, storageErr("insert archive record", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE orders SET archived_at = $2 WHERE id = $1`, order.ID, record.ArchivedAt); err != nil {
		return nil, storageErr("mark archived", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit archive", err)
	}
	return &record, nil
}

func (s *Store) ListPurgeable(ctx context.Context, cutoff time.Time, limit int) ([]domain.ArchiveRecord, error) {
	if limit < 1 {
		limit = 500
	}
	var rows []archiveRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT order_id, order_number, status, reason, archived_at
		FROM order_archives
		WHERE archived_at < $1
		ORDER BY archived_at
		LIMIT $2
	`, cutoff.UTC(), limit)
	if err != nil {
		return nil, storageErr("list purgeable", err)
	}
	out := make([]domain.ArchiveRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.ArchiveRecord{
			OrderID:     row.OrderID,
			OrderNumber: row.OrderNumber,
			Status:      domain.OrderStatus(row.Status),
			Reason:      row.Reason,
			ArchivedAt:  row.ArchivedAt.UTC(),
		})
	}
	return out, nil
}

func (s *Store) PurgeArchivedOrder(ctx context.Context, orderID string, cutoff time.Time) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var archivedAt time.Time
	err = tx.GetContext(ctx, &archivedAt, `
		SELECT archived_at FROM order_archives WHERE order_id = $1 FOR UPDATE
	`, orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrArchivalSkip
		}
		return storageErr("lock archive record", err)
	}
	if !archivedAt.Before(cutoff) {
		return store.ErrArchivalSkip
	}
	if err := purgeOrder(ctx, tx, orderID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit purge", err)
	}
	return nil
}

func (s *Store) OrderStats(ctx context.Context, archiveCutoff time.Time, deleteCutoff time.Time) (domain.MaintenanceStats, error) {
	var row statsRow
	err := s.db.GetContext(ctx, &row, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE archived_at IS NOT NULL) AS archived,
			COUNT(*) FILTER (WHERE archived_at IS NULL AND status NOT IN `+terminalStatuses+`) AS active,
			COUNT(*) FILTER (WHERE archived_at IS NULL AND status IN `+terminalStatuses+` AND terminal_at < $1) AS ready_for_archiving,
			(SELECT COUNT(*) FROM order_archives WHERE archived_at < $2) AS ready_for_deletion
		FROM orders
	`, archiveCutoff.UTC(), deleteCutoff.UTC())
	if err != nil {
		return domain.MaintenanceStats{}, storageErr("order stats", err)
	}
	return domain.MaintenanceStats{
		Total:             row.Total,
		Archived:          row.Archived,
		Active:            row.Active,
		ReadyForArchiving: row.ReadyForArchiving,
		ReadyForDeletion:  row.ReadyForDeletion,
	}, nil
}

func (s *Store) DeleteEntity(ctx context.Context, target domain.DeleteTarget) error {
	switch target.Type {
	case domain.EntityProduct:
		return s.deleteProduct(ctx, target.ID)
	case domain.EntityOrder:
		return s.deleteOrder(ctx, target.ID)
	}
	table, ok := auxiliaryTables[target.Type]
	if !ok {
		return store.ErrInvalidRequest
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = $1`, target.ID)
	if err != nil {
		return storageErr("delete "+string(target.Type), err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete "+string(target.Type), err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) deleteProduct(ctx context.Context, productID string) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	if err := tx.GetContext(ctx, &locked, `SELECT id FROM products WHERE id = $1 FOR UPDATE`, productID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return storageErr("lock product", err)
	}
	var open bool
	if err := tx.GetContext(ctx, &open, `
		SELECT EXISTS (
			SELECT 1
			FROM order_items i
			JOIN orders o ON o.id = i.order_id
			WHERE i.product_id = $1 AND o.status NOT IN `+terminalStatuses+`
		)
	`, productID); err != nil {
		return storageErr("check open orders", err)
	}
	if open {
		return errors.Wrap(store.ErrInUse, "product has open orders")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM product_variants WHERE product_id = $1`, productID); err != nil {
		return storageErr("delete variants", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID); err != nil {
		return storageErr("delete product", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit delete product", err)
	}
	return nil
}

func (s *Store) deleteOrder(ctx context.Context, orderID string) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	if err := tx.GetContext(ctx, &status, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, orderID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return storageErr("lock order", err)
	}
	if !domain.OrderStatus(status).IsTerminal() {
		return errors.Wrapf(store.ErrInUse, "order is still %s", status)
	}
	if err := purgeOrder(ctx, tx, orderID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit delete order", err)
	}
	return nil
}

// purgeOrder deletes an order's dependents before the order row itself.
func purgeOrder(ctx context.Context, q sqlx.ExecerContext, orderID string) error {
	for _, stmt := range []struct {
		op    string
		query string
	}{
		{"delete notifications", `DELETE FROM order_notifications WHERE order_id = $1`},
		{"delete views", `DELETE FROM order_views WHERE order_id = $1`},
		{"delete tenders", `DELETE FROM order_tenders WHERE order_id = $1`},
		{"delete items", `DELETE FROM order_items WHERE order_id = $1`},
		{"delete archive record", `DELETE FROM order_archives WHERE order_id = $1`},
		{"delete order", `DELETE FROM orders WHERE id = $1`},
	} {
		if _, err := q.ExecContext(ctx, stmt.query, orderID); err != nil {
			return storageErr(stmt.op, err)
		}
	}
	return nil
}
