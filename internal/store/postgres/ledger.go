package postgres

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"varistock/backend/internal/domain"
	"varistock/backend/internal/store"
)

type productRow struct {
	ID         string    `db:"id"`
	Name       string    `db:"name"`
	PriceCents int64     `db:"price_cents"`
	Active     bool      `db:"active"`
	CreatedAt  time.Time `db:"created_at"`
	TotalStock int       `db:"total_stock"`
}

type variantRow struct {
	ProductID string `db:"product_id"`
	Color     string `db:"color"`
	Size      string `db:"size"`
	Qty       int    `db:"qty"`
}

const productSelect = `
	SELECT p.id, p.name, p.price_cents, p.active, p.created_at,
		COALESCE((SELECT SUM(v.qty) FROM product_variants v WHERE v.product_id = p.id), 0) AS total_stock
	FROM products p
`

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	var rows []productRow
	if err := s.db.SelectContext(ctx, &rows, productSelect+` ORDER BY p.name`); err != nil {
		return nil, storageErr("list products", err)
	}
	var cells []variantRow
	if err := s.db.SelectContext(ctx, &cells, `SELECT product_id, color, size, qty FROM product_variants`); err != nil {
		return nil, storageErr("list variants", err)
	}

	byProduct := make(map[string][]variantRow, len(rows))
	for _, cell := range cells {
		byProduct[cell.ProductID] = append(byProduct[cell.ProductID], cell)
	}
	products := make([]domain.Product, 0, len(rows))
	for _, row := range rows {
		products = append(products, row.toDomain(byProduct[row.ID]))
	}
	return products, nil
}

func (s *Store) SaveProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.PriceCents < 0 {
		return nil, store.ErrInvalidRequest
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (id, name, price_cents, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (id)
		DO UPDATE SET name = EXCLUDED.name, price_cents = EXCLUDED.price_cents, active = EXCLUDED.active, updated_at = now()
	`, product.ID, product.Name, product.PriceCents, product.Active, product.CreatedAt)
	if err != nil {
		return nil, storageErr("save product", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM product_variants WHERE product_id = $1`, product.ID); err != nil {
		return nil, storageErr("reset variants", err)
	}
	for color, sizes := range product.Variants {
		for size, qty := range sizes {
			if qty < 0 {
				return nil, store.ErrInvalidRequest
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO product_variants (product_id, color, size, qty, updated_at)
				VALUES ($1,$2,$3,$4,now())
			`, product.ID, color, size, qty)
			if err != nil {
				return nil, storageErr("insert variant", err)
			}
		}
	}

	saved, err := loadProduct(ctx, tx, product.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit save product", err)
	}
	return saved, nil
}

func (s *Store) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return loadProduct(ctx, s.db, productID)
}

func (s *Store) Available(ctx context.Context, productID string, color string, size string) (int, error) {
	return available(ctx, s.db, productID, color, size)
}

// Decrement is a single guarded statement: the row only changes when it holds
// at least qty units.
func (s *Store) Decrement(ctx context.Context, productID string, color string, size string, qty int) error {
	if err := store.ValidateQty(qty); err != nil {
		return err
	}
	return decrement(ctx, s.db, domain.StockMovement{
		VariantKey: domain.VariantKey{ProductID: productID, Color: color, Size: size},
		Qty:        qty,
	})
}

func (s *Store) Increment(ctx context.Context, productID string, color string, size string, qty int) error {
	if err := store.ValidateQty(qty); err != nil {
		return err
	}
	return increment(ctx, s.db, domain.StockMovement{
		VariantKey: domain.VariantKey{ProductID: productID, Color: color, Size: size},
		Qty:        qty,
	})
}

func loadProduct(ctx context.Context, q sqlx.QueryerContext, productID string) (*domain.Product, error) {
	var row productRow
	if err := sqlx.GetContext(ctx, q, &row, productSelect+` WHERE p.id = $1`, productID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, storageErr("get product", err)
	}
	var cells []variantRow
	if err := sqlx.SelectContext(ctx, q, &cells, `
		SELECT product_id, color, size, qty
		FROM product_variants
		WHERE product_id = $1
	`, productID); err != nil {
		return nil, storageErr("get variants", err)
	}
	product := row.toDomain(cells)
	return &product, nil
}

func available(ctx context.Context, q sqlx.QueryerContext, productID string, color string, size string) (int, error) {
	var exists bool
	var qty int
	err := q.QueryRowxContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM products WHERE id = $1),
			COALESCE((SELECT qty FROM product_variants WHERE product_id = $1 AND color = $2 AND size = $3), 0)
	`, productID, color, size).Scan(&exists, &qty)
	if err != nil {
		return 0, storageErr("available", err)
	}
	if !exists {
		return 0, store.ErrNotFound
	}
	return qty, nil
}

func decrement(ctx context.Context, q sqlx.ExtContext, m domain.StockMovement) error {
	res, err := q.ExecContext(ctx, `
		UPDATE product_variants
		SET qty = qty - $4, updated_at = now()
		WHERE product_id = $1 AND color = $2 AND size = $3 AND qty >= $4
	`, m.ProductID, m.Color, m.Size, m.Qty)
	if err != nil {
		return storageErr("decrement", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("decrement", err)
	}
	if affected == 1 {
		return nil
	}

	have, err := available(ctx, q, m.ProductID, m.Color, m.Size)
	if err != nil {
		return err
	}
	return &domain.StockError{
		ProductID: m.ProductID, Color: m.Color, Size: m.Size,
		Requested: m.Qty, Available: have,
	}
}

func increment(ctx context.Context, q sqlx.ExtContext, m domain.StockMovement) error {
	res, err := q.ExecContext(ctx, `
		INSERT INTO product_variants (product_id, color, size, qty, updated_at)
		SELECT $1::text, $2::text, $3::text, $4::int, now()
		WHERE EXISTS (SELECT 1 FROM products WHERE id = $1::text)
		ON CONFLICT (product_id, color, size)
		DO UPDATE SET qty = product_variants.qty + EXCLUDED.qty, updated_at = now()
	`, m.ProductID, m.Color, m.Size, m.Qty)
	if err != nil {
		return storageErr("increment", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("increment", err)
	}
	if affected == 0 {
		return errors.Wrapf(store.ErrNotFound, "product %s", m.ProductID)
	}
	return nil
}

// sortedMovements orders movements by product, colour and size so concurrent
// transactions take row locks in the same order.
func sortedMovements(movements []domain.StockMovement) []domain.StockMovement {
	out := append([]domain.StockMovement(nil), movements...)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ProductID != b.ProductID {
			return a.ProductID < b.ProductID
		}
		if a.Color != b.Color {
			return a.Color < b.Color
		}
		return a.Size < b.Size
	})
	return out
}

func (r productRow) toDomain(cells []variantRow) domain.Product {
	variants := make(map[string]map[string]int)
	for _, cell := range cells {
		if _, ok := variants[cell.Color]; !ok {
			variants[cell.Color] = make(map[string]int)
		}
		variants[cell.Color][cell.Size] = cell.Qty
	}
	return domain.Product{
		ID:         r.ID,
		Name:       r.Name,
		PriceCents: r.PriceCents,
		Active:     r.Active,
		CreatedAt:  r.CreatedAt.UTC(),
		Variants:   variants,
		TotalStock: r.TotalStock,
	}
}
