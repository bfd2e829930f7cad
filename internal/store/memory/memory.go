package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"varistock/backend/internal/domain"
	"varistock/backend/internal/store"
)

var _ store.Repository = (*Store)(nil)

type productEntry struct {
	mu      sync.Mutex
	product domain.Product
}

// Store keeps everything in process memory. Lock order is catalogMu, then
// product entries sorted by ID, then mu.
type Store struct {
	catalogMu sync.RWMutex
	products  map[string]*productEntry

	mu            sync.RWMutex
	orders        map[string]*domain.Order
	ordersByIdem  map[string]string
	notifications []domain.Notification
	views         []domain.OrderView
	archives      map[string]domain.ArchiveRecord
	entities      map[domain.EntityType]map[string]time.Time
	auditLogs     []domain.AuditLog
}

func New() *Store {
	return &Store{
		products:     make(map[string]*productEntry),
		orders:       make(map[string]*domain.Order),
		ordersByIdem: make(map[string]string),
		archives:     make(map[string]domain.ArchiveRecord),
		entities: map[domain.EntityType]map[string]time.Time{
			domain.EntityUser:     {},
			domain.EntityCarousel: {},
			domain.EntityMessage:  {},
		},
	}
}

// NewSeeded returns a store with a small demo catalog for local runs.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	for _, p := range []domain.Product{
		{
			ID: "prod-tee-classic", Name: "Classic Tee", PriceCents: 59900, Active: true,
			Variants: map[string]map[string]int{
				"black": {"S": 12, "M": 20, "L": 15},
				"white": {"S": 10, "M": 18, "L": 9},
			},
		},
		{
			ID: "prod-hoodie-zip", Name: "Zip Hoodie", PriceCents: 149900, Active: true,
			Variants: map[string]map[string]int{
				"grey": {"M": 6, "L": 4, "XL": 2},
				"navy": {"M": 5, "L": 5},
			},
		},
		{
			ID: "prod-cap-twill", Name: "Twill Cap", PriceCents: 39900, Active: true,
			Variants: map[string]map[string]int{
				"khaki": {"OS": 25},
			},
		},
	} {
		p.CreatedAt = now
		_, _ = s.SaveProduct(context.Background(), p)
	}
	s.SeedEntity(domain.EntityUser, "user-demo-customer", now)
	s.SeedEntity(domain.EntityCarousel, "carousel-spring", now)
	s.SeedEntity(domain.EntityMessage, "msg-welcome", now)
	return s
}

// SeedEntity registers an auxiliary record that can later be removed through
// DeleteEntity.
func (s *Store) SeedEntity(kind domain.EntityType, id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[kind]; !ok {
		s.entities[kind] = make(map[string]time.Time)
	}
	s.entities[kind][id] = at
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.catalogMu.RLock()
	entries := make([]*productEntry, 0, len(s.products))
	for _, entry := range s.products {
		entries = append(entries, entry)
	}
	s.catalogMu.RUnlock()

	out := make([]domain.Product, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		out = append(out, cloneProduct(entry.product))
		entry.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) SaveProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	product.ID = strings.TrimSpace(product.ID)
	if product.ID == "" || product.Name == "" || product.PriceCents < 0 {
		return nil, store.ErrInvalidRequest
	}
	for _, sizes := range product.Variants {
		for _, qty := range sizes {
			if qty < 0 {
				return nil, store.ErrInvalidRequest
			}
		}
	}
	product.Variants = domain.CloneVariants(product.Variants)
	product.TotalStock = product.SumVariants()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()
	if entry, ok := s.products[product.ID]; ok {
		entry.mu.Lock()
		entry.product = product
		entry.mu.Unlock()
	} else {
		s.products[product.ID] = &productEntry{product: product}
	}
	saved := cloneProduct(product)
	return &saved, nil
}

func (s *Store) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	entry, ok := s.entry(productID)
	if !ok {
		return nil, store.ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	product := cloneProduct(entry.product)
	return &product, nil
}

func (s *Store) Available(_ context.Context, productID string, color string, size string) (int, error) {
	entry, ok := s.entry(productID)
	if !ok {
		return 0, store.ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.product.Quantity(color, size), nil
}

func (s *Store) Decrement(_ context.Context, productID string, color string, size string, qty int) error {
	if err := store.ValidateQty(qty); err != nil {
		return err
	}
	s.catalogMu.RLock()
	defer s.catalogMu.RUnlock()
	entry, ok := s.products[productID]
	if !ok {
		return store.ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return decrementLocked(&entry.product, color, size, qty)
}

func (s *Store) Increment(_ context.Context, productID string, color string, size string, qty int) error {
	if err := store.ValidateQty(qty); err != nil {
		return err
	}
	s.catalogMu.RLock()
	defer s.catalogMu.RUnlock()
	entry, ok := s.products[productID]
	if !ok {
		return store.ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	incrementLocked(&entry.product, color, size, qty)
	return nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order, notifications []domain.Notification) (*domain.Order, error) {
	if order.ID == "" || len(order.Items) == 0 {
		return nil, store.ErrInvalidRequest
	}
	movements := order.Movements()
	for _, m := range movements {
		if err := store.ValidateQty(m.Qty); err != nil {
			return nil, err
		}
	}

	s.catalogMu.RLock()
	defer s.catalogMu.RUnlock()
	entries, err := s.lockProducts(productIDs(movements))
	if err != nil {
		return nil, err
	}
	defer unlockAll(entries)

	s.mu.Lock()
	defer s.mu.Unlock()

	if order.IdempotencyKey != "" {
		if _, exists := s.ordersByIdem[order.IdempotencyKey]; exists {
			return nil, store.ErrDuplicate
		}
	}
	if _, exists := s.orders[order.ID]; exists {
		return nil, store.ErrDuplicate
	}

	for _, m := range movements {
		product := &entries[m.ProductID].product
		if available := product.Quantity(m.Color, m.Size); available < m.Qty {
			return nil, &domain.StockError{
				ProductID: m.ProductID, Color: m.Color, Size: m.Size,
				Requested: m.Qty, Available: available,
			}
		}
	}
	for _, m := range movements {
		_ = decrementLocked(&entries[m.ProductID].product, m.Color, m.Size, m.Qty)
	}

	stored := order.Clone()
	s.orders[stored.ID] = &stored
	if stored.IdempotencyKey != "" {
		s.ordersByIdem[stored.IdempotencyKey] = stored.ID
	}
	s.notifications = append(s.notifications, notifications...)

	out := stored.Clone()
	return &out, nil
}

func (s *Store) FindOrderByIdempotency(_ context.Context, key string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.ordersByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	order, ok := s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := order.Clone()
	return &out, nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := order.Clone()
	return &out, nil
}

func (s *Store) ListOrders(_ context.Context, filter store.OrderFilter) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Order, 0, len(s.orders))
	for _, order := range s.orders {
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		if filter.Channel != "" && order.Channel != filter.Channel {
			continue
		}
		if !filter.IncludeArchived && order.ArchivedAt != nil {
			continue
		}
		out = append(out, order.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) TransitionOrder(_ context.Context, orderID string, to domain.OrderStatus, at time.Time, notify store.NotificationBuilder) (*domain.Order, error) {
	if to.IsReversal() {
		return nil, fmt.Errorf("%w: %s must go through ReverseOrder", store.ErrInvalidRequest, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := store.CheckMutable(*order); err != nil {
		return nil, err
	}
	next := order.Clone()
	if err := next.ApplyTransition(to, at); err != nil {
		return nil, err
	}
	if err := s.enqueueLocked(next, notify); err != nil {
		return nil, err
	}
	*order = next
	out := next.Clone()
	return &out, nil
}

func (s *Store) ReverseOrder(_ context.Context, orderID string, to domain.OrderStatus, at time.Time, notify store.NotificationBuilder) (*domain.Order, error) {
	if !to.IsReversal() {
		return nil, fmt.Errorf("%w: %s does not restore stock", store.ErrInvalidRequest, to)
	}

	s.mu.RLock()
	snapshot, ok := s.orders[orderID]
	var movements []domain.StockMovement
	if ok {
		movements = snapshot.Movements()
	}
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}

	s.catalogMu.RLock()
	defer s.catalogMu.RUnlock()
	entries, err := s.lockProducts(productIDs(movements))
	if err != nil {
		return nil, err
	}
	defer unlockAll(entries)

	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := store.CheckMutable(*order); err != nil {
		return nil, err
	}
	next := order.Clone()
	if err := next.ApplyTransition(to, at); err != nil {
		return nil, err
	}
	if err := s.enqueueLocked(next, notify); err != nil {
		return nil, err
	}
	for _, m := range next.Movements() {
		incrementLocked(&entries[m.ProductID].product, m.Color, m.Size, m.Qty)
	}
	*order = next
	out := next.Clone()
	return &out, nil
}

func (s *Store) RecordOrderView(_ context.Context, view domain.OrderView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[view.OrderID]; !ok {
		return store.ErrNotFound
	}
	s.views = append(s.views, view)
	return nil
}

func (s *Store) ListArchivable(_ context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Order, 0, 16)
	for _, order := range s.orders {
		if eligibleForArchive(*order, cutoff) {
			out = append(out, order.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ArchiveOrder(_ context.Context, orderID string, cutoff time.Time, record domain.ArchiveRecord) (*domain.ArchiveRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !eligibleForArchive(*order, cutoff) {
		return nil, store.ErrArchivalSkip
	}
	archivedAt := record.ArchivedAt.UTC()
	record.OrderID = order.ID
	record.OrderNumber = order.Number
	record.Status = order.Status
	record.ArchivedAt = archivedAt
	order.ArchivedAt = &archivedAt
	s.archives[order.ID] = record
	return &record, nil
}

func (s *Store) ListPurgeable(_ context.Context, cutoff time.Time, limit int) ([]domain.ArchiveRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ArchiveRecord, 0, 16)
	for _, record := range s.archives {
		if record.ArchivedAt.Before(cutoff) {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArchivedAt.Before(out[j].ArchivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PurgeArchivedOrder(_ context.Context, orderID string, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.archives[orderID]
	if !ok {
		return store.ErrArchivalSkip
	}
	if !record.ArchivedAt.Before(cutoff) {
		return store.ErrArchivalSkip
	}
	s.purgeLocked(orderID)
	return nil
}

func (s *Store) OrderStats(_ context.Context, archiveCutoff time.Time, deleteCutoff time.Time) (domain.MaintenanceStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := domain.MaintenanceStats{Total: len(s.orders)}
	for _, order := range s.orders {
		switch {
		case order.ArchivedAt != nil:
			stats.Archived++
		case !order.Status.IsTerminal():
			stats.Active++
		}
		if eligibleForArchive(*order, archiveCutoff) {
			stats.ReadyForArchiving++
		}
	}
	for _, record := range s.archives {
		if record.ArchivedAt.Before(deleteCutoff) {
			stats.ReadyForDeletion++
		}
	}
	return stats, nil
}

func (s *Store) ListPendingNotifications(_ context.Context, limit int) ([]domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Notification, 0, 16)
	for _, n := range s.notifications {
		if n.SentAt != nil {
			continue
		}
		out = append(out, n)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkNotificationSent(_ context.Context, notificationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications {
		if s.notifications[i].ID == notificationID {
			sent := at.UTC()
			s.notifications[i].SentAt = &sent
			return nil
		}
	}
	return store.ErrNotFound
}

// Notifications returns a copy of the outbox, sent or not.
func (s *Store) Notifications() []domain.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Notification(nil), s.notifications...)
}

func (s *Store) Views() []domain.OrderView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.OrderView(nil), s.views...)
}

func (s *Store) DeleteEntity(_ context.Context, target domain.DeleteTarget) error {
	switch target.Type {
	case domain.EntityProduct:
		s.catalogMu.Lock()
		defer s.catalogMu.Unlock()
		if _, ok := s.products[target.ID]; !ok {
			return store.ErrNotFound
		}
		s.mu.RLock()
		for _, order := range s.orders {
			if order.Status.IsTerminal() {
				continue
			}
			for _, item := range order.Items {
				if item.ProductID == target.ID {
					s.mu.RUnlock()
					return fmt.Errorf("%w: product has open order %s", store.ErrInUse, order.ID)
				}
			}
		}
		s.mu.RUnlock()
		delete(s.products, target.ID)
		return nil
	case domain.EntityOrder:
		s.mu.Lock()
		defer s.mu.Unlock()
		order, ok := s.orders[target.ID]
		if !ok {
			return store.ErrNotFound
		}
		if !order.Status.IsTerminal() {
			return fmt.Errorf("%w: order is still %s", store.ErrInUse, order.Status)
		}
		s.purgeLocked(target.ID)
		return nil
	default:
		s.mu.Lock()
		defer s.mu.Unlock()
		records, ok := s.entities[target.Type]
		if !ok {
			return store.ErrInvalidRequest
		}
		if _, exists := records[target.ID]; !exists {
			return store.ErrNotFound
		}
		delete(records, target.ID)
		return nil
	}
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditLog, 0, len(s.auditLogs))
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) entry(productID string) (*productEntry, bool) {
	s.catalogMu.RLock()
	defer s.catalogMu.RUnlock()
	entry, ok := s.products[productID]
	return entry, ok
}

// lockProducts locks the entries for ids in sorted order. Callers hold
// catalogMu for reading.
func (s *Store) lockProducts(ids []string) (map[string]*productEntry, error) {
	entries := make(map[string]*productEntry, len(ids))
	for _, id := range ids {
		entry, ok := s.products[id]
		if !ok {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
		}
		entries[id] = entry
	}
	for _, id := range ids {
		entries[id].mu.Lock()
	}
	return entries, nil
}

func unlockAll(entries map[string]*productEntry) {
	for _, entry := range entries {
		entry.mu.Unlock()
	}
}

func (s *Store) enqueueLocked(order domain.Order, notify store.NotificationBuilder) error {
	if notify == nil {
		return nil
	}
	notifications, err := notify(order)
	if err != nil {
		return err
	}
	s.notifications = append(s.notifications, notifications...)
	return nil
}

// purgeLocked drops an order and its dependents: notifications, views,
// archive record, then the order itself.
func (s *Store) purgeLocked(orderID string) {
	s.notifications = slices.DeleteFunc(s.notifications, func(n domain.Notification) bool { return n.OrderID == orderID })
	s.views = slices.DeleteFunc(s.views, func(v domain.OrderView) bool { return v.OrderID == orderID })
	delete(s.archives, orderID)
	if order, ok := s.orders[orderID]; ok && order.IdempotencyKey != "" {
		delete(s.ordersByIdem, order.IdempotencyKey)
	}
	delete(s.orders, orderID)
}

func eligibleForArchive(order domain.Order, cutoff time.Time) bool {
	if order.ArchivedAt != nil {
		return false
	}
	at, ok := order.TerminalAt()
	if !ok {
		return false
	}
	return at.Before(cutoff)
}

func decrementLocked(product *domain.Product, color string, size string, qty int) error {
	available := product.Quantity(color, size)
	if available < qty {
		return &domain.StockError{
			ProductID: product.ID, Color: color, Size: size,
			Requested: qty, Available: available,
		}
	}
	product.Variants[color][size] = available - qty
	product.TotalStock = product.SumVariants()
	return nil
}

func incrementLocked(product *domain.Product, color string, size string, qty int) {
	if product.Variants == nil {
		product.Variants = make(map[string]map[string]int)
	}
	sizes, ok := product.Variants[color]
	if !ok {
		sizes = make(map[string]int)
		product.Variants[color] = sizes
	}
	sizes[size] += qty
	product.TotalStock = product.SumVariants()
}

func productIDs(movements []domain.StockMovement) []string {
	seen := make(map[string]struct{}, len(movements))
	ids := make([]string, 0, len(movements))
	for _, m := range movements {
		if _, ok := seen[m.ProductID]; ok {
			continue
		}
		seen[m.ProductID] = struct{}{}
		ids = append(ids, m.ProductID)
	}
	sort.Strings(ids)
	return ids
}

func cloneProduct(p domain.Product) domain.Product {
	out := p
	out.Variants = domain.CloneVariants(p.Variants)
	return out
}
