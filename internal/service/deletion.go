package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"varistock/backend/internal/domain"
	"varistock/backend/internal/store"
)

const maxBulkDelete = 200

// BulkDelete deletes every target independently. A failing item is reported
// as skipped and never stops the rest of the batch.
func (s *Service) BulkDelete(ctx context.Context, req domain.BulkDeleteRequest) (domain.BulkDeleteResponse, error) {
	if len(req.Items) == 0 {
		return domain.BulkDeleteResponse{}, fmt.Errorf("%w: items is empty", store.ErrInvalidRequest)
	}
	if len(req.Items) > maxBulkDelete {
		return domain.BulkDeleteResponse{}, fmt.Errorf("%w: at most %d items per request", store.ErrInvalidRequest, maxBulkDelete)
	}

	resp := domain.BulkDeleteResponse{
		Deleted: make([]domain.DeletedEntity, 0, len(req.Items)),
		Skipped: make([]domain.SkippedEntity, 0),
	}
	for _, target := range req.Items {
		deleted, err := s.DeleteOne(ctx, target)
		if err != nil {
			if errors.Is(err, store.ErrStorage) {
				s.log.WithError(err).WithField("entity", string(target.Type)+"/"+target.ID).Warn("bulk delete item failed")
			}
			resp.Skipped = append(resp.Skipped, domain.SkippedEntity{
				ID:     target.ID,
				Type:   target.Type,
				Reason: skipReason(err),
			})
			continue
		}
		resp.Deleted = append(resp.Deleted, deleted)
	}
	resp.TotalDeleted = len(resp.Deleted)
	return resp, nil
}

func (s *Service) DeleteOne(ctx context.Context, target domain.DeleteTarget) (domain.DeletedEntity, error) {
	target.ID = strings.TrimSpace(target.ID)
	target.Type = domain.EntityType(strings.ToLower(strings.TrimSpace(string(target.Type))))
	if target.ID == "" || !target.Type.Valid() {
		return domain.DeletedEntity{}, fmt.Errorf("%w: id and a known type are required", store.ErrInvalidRequest)
	}
	if err := s.repo.DeleteEntity(ctx, target); err != nil {
		return domain.DeletedEntity{}, err
	}
	s.logAudit(ctx, "delete", string(target.Type), target.ID, "")
	return domain.DeletedEntity{
		ID:        target.ID,
		Type:      target.Type,
		DeletedAt: s.now().Format(time.RFC3339),
	}, nil
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "not found"
	case errors.Is(err, store.ErrInUse):
		return err.Error()
	case errors.Is(err, store.ErrInvalidRequest):
		return "invalid request"
	case errors.Is(err, store.ErrStorage):
		return "storage unavailable"
	default:
		return "delete failed"
	}
}
