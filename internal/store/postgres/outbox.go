package postgres

import (
	"context"
	"database/sql"
	"time"

	"varistock/backend/internal/domain"
	"varistock/backend/internal/store"
)

type notificationRow struct {
	ID        string       `db:"id"`
	OrderID   string       `db:"order_id"`
	Type      string       `db:"type"`
	Payload   []byte       `db:"payload"`
	CreatedAt time.Time    `db:"created_at"`
	SentAt    sql.NullTime `db:"sent_at"`
}

type auditRow struct {
	ID            string    `db:"id"`
	ActorUsername string    `db:"actor_username"`
	ActorRole     string    `db:"actor_role"`
	Action        string    `db:"action"`
	EntityType    string    `db:"entity_type"`
	EntityID      string    `db:"entity_id"`
	Detail        string    `db:"detail"`
	CreatedAt     time.Time `db:"created_at"`
}

func (s *Store) ListPendingNotifications(ctx context.Context, limit int) ([]domain.Notification, error) {
	if limit < 1 || limit > 1000 {
		limit = 100
	}
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, order_id, type, payload, created_at, sent_at
		FROM order_notifications
		WHERE sent_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, storageErr("list notifications", err)
	}
	out := make([]domain.Notification, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.Notification{
			ID:        row.ID,
			OrderID:   row.OrderID,
			Type:      row.Type,
			Payload:   row.Payload,
			CreatedAt: row.CreatedAt.UTC(),
			SentAt:    timePtr(row.SentAt),
		})
	}
	return out, nil
}

func (s *Store) MarkNotificationSent(ctx context.Context, notificationID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE order_notifications SET sent_at = $2 WHERE id = $1
	`, notificationID, at.UTC())
	if err != nil {
		return storageErr("mark notification sent", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("mark notification sent", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES (:id, :actor_username, :actor_role, :action, :entity_type, :entity_id, :detail, :created_at)
	`, auditRow{
		ID:            entry.ID,
		ActorUsername: entry.ActorUsername,
		ActorRole:     entry.ActorRole,
		Action:        entry.Action,
		EntityType:    entry.EntityType,
		EntityID:      entry.EntityID,
		Detail:        entry.Detail,
		CreatedAt:     entry.CreatedAt.UTC(),
	})
	return storageErr("create audit log", err)
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, storageErr("list audit logs", err)
	}
	out := make([]domain.AuditLog, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.AuditLog{
			ID:            row.ID,
			ActorUsername: row.ActorUsername,
			ActorRole:     row.ActorRole,
			Action:        row.Action,
			EntityType:    row.EntityType,
			EntityID:      row.EntityID,
			Detail:        row.Detail,
			CreatedAt:     row.CreatedAt.UTC(),
		})
	}
	return out, nil
}
