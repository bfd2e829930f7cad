package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"varistock/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = domain.ErrInsufficientStock
	ErrInvalidRequest    = errors.New("invalid request")
	ErrDuplicate         = errors.New("duplicate idempotency key")
	ErrInUse             = errors.New("entity is still referenced")
	ErrArchivalSkip      = errors.New("order no longer eligible for archival")
	ErrStorage           = errors.New("storage unavailable")
)

// StorageError wraps a backend failure. It is retryable by the caller and
// matches ErrStorage.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// CheckMutable refuses status changes on an archived order. The archive record
// keeps the status it was archived with and drives the purge clock.
func CheckMutable(order domain.Order) error {
	if order.ArchivedAt != nil {
		return fmt.Errorf("%w: order %s is archived", ErrInUse, order.ID)
	}
	return nil
}

// Ledger is the per-variant stock counter. Operations on one product are
// serialized; different products never block each other.
type Ledger interface {
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	Available(ctx context.Context, productID string, color string, size string) (int, error)
	Decrement(ctx context.Context, productID string, color string, size string, qty int) error
	Increment(ctx context.Context, productID string, color string, size string, qty int) error
}

// NotificationBuilder produces the outbox rows for an order inside the
// transaction that changes it.
type NotificationBuilder func(order domain.Order) ([]domain.Notification, error)

type OrderFilter struct {
	Status          domain.OrderStatus
	Channel         domain.Channel
	IncludeArchived bool
	Limit           int
}

type Repository interface {
	Ledger

	ListProducts(ctx context.Context) ([]domain.Product, error)
	SaveProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	// CreateOrder decrements every movement of order and inserts it with its
	// notifications in one transaction. Shortfalls return *domain.StockError
	// and leave stock untouched. A reused idempotency key returns ErrDuplicate.
	CreateOrder(ctx context.Context, order domain.Order, notifications []domain.Notification) (*domain.Order, error)
	FindOrderByIdempotency(ctx context.Context, key string) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]domain.Order, error)
	// TransitionOrder applies a non-reversing status change.
	TransitionOrder(ctx context.Context, orderID string, to domain.OrderStatus, at time.Time, notify NotificationBuilder) (*domain.Order, error)
	// ReverseOrder moves an order to cancelled or returned and restores every
	// item's stock in the same transaction.
	ReverseOrder(ctx context.Context, orderID string, to domain.OrderStatus, at time.Time, notify NotificationBuilder) (*domain.Order, error)
	RecordOrderView(ctx context.Context, view domain.OrderView) error

	ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error)
	// ArchiveOrder re-checks the archival predicate against cutoff and
	// returns ErrArchivalSkip when it no longer holds.
	ArchiveOrder(ctx context.Context, orderID string, cutoff time.Time, record domain.ArchiveRecord) (*domain.ArchiveRecord, error)
	ListPurgeable(ctx context.Context, cutoff time.Time, limit int) ([]domain.ArchiveRecord, error)
	// PurgeArchivedOrder removes an archived order and every dependent row.
	PurgeArchivedOrder(ctx context.Context, orderID string, cutoff time.Time) error
	OrderStats(ctx context.Context, archiveCutoff time.Time, deleteCutoff time.Time) (domain.MaintenanceStats, error)

	ListPendingNotifications(ctx context.Context, limit int) ([]domain.Notification, error)
	MarkNotificationSent(ctx context.Context, notificationID string, at time.Time) error

	DeleteEntity(ctx context.Context, target domain.DeleteTarget) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}

// ValidateQty rejects ledger quantities below one.
func ValidateQty(qty int) error {
	if qty < 1 {
		return fmt.Errorf("%w: quantity must be at least 1", ErrInvalidRequest)
	}
	return nil
}
