package cache

import (
	"context"
	"errors"
	"time"

	"varistock/backend/internal/domain"
)

// ErrLockHeld is returned when another replica owns the lock.
var ErrLockHeld = errors.New("lock held by another owner")

// Lock guards work that must not run on two replicas at once.
type Lock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

type StatsCache interface {
	Get(ctx context.Context, key string) (*domain.MaintenanceStats, bool, error)
	Set(ctx context.Context, key string, value *domain.MaintenanceStats, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// NoopLock always grants the lock. Used when Redis is not configured.
type NoopLock struct{}

func (NoopLock) Acquire(_ context.Context, _ string, _ time.Duration) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

type NoopStatsCache struct{}

func (NoopStatsCache) Get(_ context.Context, _ string) (*domain.MaintenanceStats, bool, error) {
	return nil, false, nil
}

func (NoopStatsCache) Set(_ context.Context, _ string, _ *domain.MaintenanceStats, _ time.Duration) error {
	return nil
}

func (NoopStatsCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
