package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"varistock/backend/internal/cache"
	"varistock/backend/internal/domain"
	"varistock/backend/internal/metrics"
	"varistock/backend/internal/store"
	"varistock/backend/internal/tracing"
)

const (
	lockKey  = "maintenance"
	statsKey = "order-stats"
)

var (
	ErrAlreadyRunning = errors.New("maintenance scheduler already running")
	ErrPassInProgress = errors.New("maintenance pass already in progress")
)

type Repository interface {
	ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error)
	ArchiveOrder(ctx context.Context, orderID string, cutoff time.Time, record domain.ArchiveRecord) (*domain.ArchiveRecord, error)
	ListPurgeable(ctx context.Context, cutoff time.Time, limit int) ([]domain.ArchiveRecord, error)
	PurgeArchivedOrder(ctx context.Context, orderID string, cutoff time.Time) error
	OrderStats(ctx context.Context, archiveCutoff time.Time, deleteCutoff time.Time) (domain.MaintenanceStats, error)
}

type Config struct {
	HourUTC          int
	ArchiveAfter     time.Duration
	DeleteAfter      time.Duration
	BatchSize        int
	LockTTL          time.Duration
	StatsTTL         time.Duration
	WatchdogInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.HourUTC < 0 || c.HourUTC > 23 {
		c.HourUTC = 3
	}
	if c.ArchiveAfter <= 0 {
		c.ArchiveAfter = 30 * 24 * time.Hour
	}
	if c.DeleteAfter <= 0 {
		c.DeleteAfter = 180 * 24 * time.Hour
	}
	if c.BatchSize < 1 {
		c.BatchSize = 200
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Minute
	}
	if c.StatsTTL <= 0 {
		c.StatsTTL = time.Minute
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = time.Minute
	}
}

// Scheduler archives terminal orders once a day and later purges them. It is
// owned by the process entry point; Start and Stop bracket its lifetime.
type Scheduler struct {
	repo    Repository
	lock    cache.Lock
	stats   cache.StatsCache
	metrics *metrics.Metrics
	log     logrus.FieldLogger
	cfg     Config
	now     func() time.Time

	passMu sync.Mutex

	mu         sync.Mutex
	cancel     context.CancelFunc
	watchdog   chan struct{}
	loopDone   chan struct{}
	loopAlive  bool
	inProgress bool
	lastRunAt  *time.Time
	nextRunAt  *time.Time
	lastError  string
	lastReport *domain.MaintenanceReport
	restarts   int
}

type Option func(*Scheduler)

func WithLock(lock cache.Lock) Option {
	return func(s *Scheduler) { s.lock = lock }
}

func WithStatsCache(stats cache.StatsCache) Option {
	return func(s *Scheduler) { s.stats = stats }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(repo Repository, log logrus.FieldLogger, cfg Config, opts ...Option) *Scheduler {
	cfg.setDefaults()
	s := &Scheduler{
		repo:  repo,
		lock:  cache.NoopLock{},
		stats: cache.NoopStatsCache{},
		log:   log.WithField("component", "maintenance"),
		cfg:   cfg,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NextRun is the first hourUTC:00 strictly after now.
func NextRun(now time.Time, hourUTC int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// Start launches the daily loop and its watchdog. The scheduler keeps running
// until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.watchdog = make(chan struct{})
	s.startLoopLocked(ctx)
	go s.watch(ctx, s.watchdog)

	s.log.WithFields(logrus.Fields{
		"hour_utc":      s.cfg.HourUTC,
		"archive_after": s.cfg.ArchiveAfter.String(),
		"delete_after":  s.cfg.DeleteAfter.String(),
	}).Info("maintenance scheduler started")
	return nil
}

// Stop cancels the loop and waits for it and the watchdog to exit. A pass in
// flight is cancelled through its context.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, watchdog := s.cancel, s.watchdog
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-watchdog

	s.mu.Lock()
	loopDone := s.loopDone
	s.mu.Unlock()
	<-loopDone

	s.mu.Lock()
	s.nextRunAt = nil
	s.mu.Unlock()
	s.log.Info("maintenance scheduler stopped")
}

func (s *Scheduler) Status() domain.MaintenanceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := domain.MaintenanceStatus{
		Running:    s.loopAlive,
		InProgress: s.inProgress,
		LastError:  s.lastError,
		Restarts:   s.restarts,
	}
	if s.lastRunAt != nil {
		at := *s.lastRunAt
		status.LastRunAt = &at
	}
	if s.nextRunAt != nil {
		at := *s.nextRunAt
		status.NextRunAt = &at
	}
	if s.lastReport != nil {
		report := *s.lastReport
		status.LastReport = &report
	}
	return status
}

// Stats returns order counts for the current retention windows, served from
// the stats cache when fresh.
func (s *Scheduler) Stats(ctx context.Context) (domain.MaintenanceStats, error) {
	if cached, ok, err := s.stats.Get(ctx, statsKey); err != nil {
		s.log.WithError(err).Warn("stats cache read failed")
	} else if ok {
		return *cached, nil
	}

	now := s.now().UTC()
	stats, err := s.repo.OrderStats(ctx, now.Add(-s.cfg.ArchiveAfter), now.Add(-s.cfg.DeleteAfter))
	if err != nil {
		return domain.MaintenanceStats{}, err
	}
	if err := s.stats.Set(ctx, statsKey, &stats, s.cfg.StatsTTL); err != nil {
		s.log.WithError(err).Warn("stats cache write failed")
	}
	return stats, nil
}

// RunNow performs one pass immediately. Only one pass runs at a time in this
// process, and across replicas when a shared lock is configured.
func (s *Scheduler) RunNow(ctx context.Context) (report domain.MaintenanceReport, err error) {
	if !s.passMu.TryLock() {
		return domain.MaintenanceReport{}, ErrPassInProgress
	}
	defer s.passMu.Unlock()

	release, err := s.lock.Acquire(ctx, lockKey, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, cache.ErrLockHeld) {
			s.log.Info("maintenance pass skipped, another replica holds the lock")
		}
		return domain.MaintenanceReport{}, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.log.WithError(err).Warn("failed to release maintenance lock")
		}
	}()

	s.setInProgress(true)
	defer s.setInProgress(false)

	ctx, span := tracing.Start(ctx, "maintenance.pass")
	report, err = s.pass(ctx)
	span.SetAttributes(
		attribute.Int("maintenance.archived", report.Archived),
		attribute.Int("maintenance.deleted", report.Deleted),
		attribute.Int("maintenance.skipped", report.Skipped),
		attribute.Int("maintenance.failed", report.Failed),
	)
	tracing.End(span, err)
	s.metrics.ObserveMaintenancePass(report.Archived, report.Deleted, report.Skipped, report.Failed, err)

	if cacheErr := s.stats.Invalidate(ctx, statsKey); cacheErr != nil {
		s.log.WithError(cacheErr).Warn("stats cache invalidate failed")
	}
	s.recordPass(report, err)

	entry := s.log.WithFields(logrus.Fields{
		"archived": report.Archived,
		"deleted":  report.Deleted,
		"skipped":  report.Skipped,
		"failed":   report.Failed,
	})
	if err != nil {
		entry.WithError(err).Warn("maintenance pass finished with errors")
	} else {
		entry.Info("maintenance pass finished")
	}
	return report, err
}

func (s *Scheduler) pass(ctx context.Context) (domain.MaintenanceReport, error) {
	now := s.now().UTC()
	report := domain.MaintenanceReport{StartedAt: now}
	archiveCutoff := now.Add(-s.cfg.ArchiveAfter)
	deleteCutoff := now.Add(-s.cfg.DeleteAfter)

	if err := s.archive(ctx, now, archiveCutoff, &report); err != nil {
		report.FinishedAt = s.now().UTC()
		return report, err
	}
	if err := s.purge(ctx, deleteCutoff, &report); err != nil {
		report.FinishedAt = s.now().UTC()
		return report, err
	}
	report.FinishedAt = s.now().UTC()
	if report.Failed > 0 {
		return report, fmt.Errorf("maintenance: %d orders failed", report.Failed)
	}
	return report, nil
}

func (s *Scheduler) archive(ctx context.Context, now time.Time, cutoff time.Time, report *domain.MaintenanceReport) error {
	for {
		orders, err := s.repo.ListArchivable(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		progressed := 0
		for _, order := range orders {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := s.repo.ArchiveOrder(ctx, order.ID, cutoff, domain.ArchiveRecord{
				Reason:     fmt.Sprintf("%s for more than %s", order.Status, s.cfg.ArchiveAfter),
				ArchivedAt: now,
			})
			switch {
			case err == nil:
				report.Archived++
				progressed++
			case errors.Is(err, store.ErrArchivalSkip), errors.Is(err, store.ErrNotFound):
				report.Skipped++
				s.log.WithField("order_id", order.ID).Info("order no longer archivable, skipped")
			default:
				report.Failed++
				s.log.WithError(err).WithField("order_id", order.ID).Warn("archive failed")
			}
		}
		if len(orders) < s.cfg.BatchSize || progressed == 0 {
			return nil
		}
	}
}

func (s *Scheduler) purge(ctx context.Context, cutoff time.Time, report *domain.MaintenanceReport) error {
	for {
		records, err := s.repo.ListPurgeable(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		progressed := 0
		for _, record := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := s.repo.PurgeArchivedOrder(ctx, record.OrderID, cutoff)
			switch {
			case err == nil:
				report.Deleted++
				progressed++
			case errors.Is(err, store.ErrArchivalSkip):
				report.Skipped++
				s.log.WithField("order_id", record.OrderID).Info("archive record no longer purgeable, skipped")
			default:
				report.Failed++
				s.log.WithError(err).WithField("order_id", record.OrderID).Warn("purge failed")
			}
		}
		if len(records) < s.cfg.BatchSize || progressed == 0 {
			return nil
		}
	}
}

func (s *Scheduler) startLoopLocked(ctx context.Context) {
	done := make(chan struct{})
	s.loopDone = done
	s.loopAlive = true
	go s.loop(ctx, done)
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("maintenance loop crashed")
		}
		s.mu.Lock()
		s.loopAlive = false
		s.mu.Unlock()
		close(done)
	}()

	for {
		now := s.now().UTC()
		next := NextRun(now, s.cfg.HourUTC)
		s.mu.Lock()
		s.nextRunAt = &next
		s.mu.Unlock()

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := s.RunNow(ctx); err != nil && errors.Is(err, context.Canceled) {
			return
		}
	}
}

// watch restarts the loop if it died while the scheduler is still started.
func (s *Scheduler) watch(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		if !s.loopAlive && ctx.Err() == nil {
			s.restarts++
			s.startLoopLocked(ctx)
			s.metrics.ObserveRestart()
			s.log.WithField("restarts", s.restarts).Warn("maintenance loop restarted")
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) setInProgress(v bool) {
	s.mu.Lock()
	s.inProgress = v
	s.mu.Unlock()
}

func (s *Scheduler) recordPass(report domain.MaintenanceReport, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := report.StartedAt
	s.lastRunAt = &at
	s.lastReport = &report
	s.lastError = ""
	if err != nil {
		s.lastError = err.Error()
	}
}
