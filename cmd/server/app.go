package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"varistock/backend/internal/cache"
	"varistock/backend/internal/config"
	"varistock/backend/internal/events"
	"varistock/backend/internal/maintenance"
	"varistock/backend/internal/metrics"
	"varistock/backend/internal/pricing"
	"varistock/backend/internal/service"
	"varistock/backend/internal/store"
	"varistock/backend/internal/store/memory"
	pgstore "varistock/backend/internal/store/postgres"
)

// application holds every long-lived collaborator the commands share.
type application struct {
	log        logrus.FieldLogger
	repo       store.Repository
	metrics    *metrics.Metrics
	service    *service.Service
	scheduler  *maintenance.Scheduler
	relay      *events.Relay
	dispatcher *events.Dispatcher
	closers    []func() error
}

func build(ctx context.Context, cfg config.Config, log *logrus.Logger) (*application, error) {
	app := &application{log: log, metrics: metrics.New()}

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback: %w", err)
		}
		app.repo = pg
		app.closers = append(app.closers, pg.Close)
		log.Info("repository: postgres")
	} else {
		app.repo = memory.NewSeeded()
		log.Info("repository: in-memory")
	}

	var lock cache.Lock = cache.NoopLock{}
	var stats cache.StatsCache = cache.NoopStatsCache{}
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		if err := redisCache.Ping(ctx); err != nil {
			log.WithError(err).Warn("redis unavailable, maintenance runs without a cross-replica lock")
			_ = redisCache.Close()
		} else {
			lock, stats = redisCache, redisCache
			app.closers = append(app.closers, redisCache.Close)
			log.Info("cache: redis")
		}
	} else {
		log.Info("cache: noop")
	}

	var publisher events.Publisher = events.LogPublisher{Log: log.WithField("component", "events")}
	if client := events.NewClient(cfg.KafkaBrokers); client.Enabled() {
		kafkaPublisher, err := events.NewKafkaPublisher(client, cfg.KafkaTopic)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("kafka: %w", err)
		}
		publisher = kafkaPublisher
		app.closers = append(app.closers, kafkaPublisher.Close)
		log.WithField("topic", cfg.KafkaTopic).Info("events: kafka")
	} else {
		log.Info("events: log only")
	}

	calculator, err := newCalculator(cfg)
	if err != nil {
		app.close()
		return nil, err
	}

	eventsLog := log.WithField("component", "events")
	app.relay = events.NewRelay(app.repo, publisher, eventsLog, app.metrics, cfg.OutboxInterval)
	app.dispatcher = events.NewDispatcher(publisher, eventsLog, app.metrics, 256)
	app.service = service.New(app.repo, service.Options{
		Pricing:    calculator,
		Dispatcher: app.dispatcher,
		Outbox:     app.relay,
		Metrics:    app.metrics,
		Log:        log,
	})
	app.scheduler = maintenance.New(app.repo, log, maintenance.Config{
		HourUTC:      cfg.MaintenanceHourUTC,
		ArchiveAfter: cfg.ArchiveAfter,
		DeleteAfter:  cfg.DeleteAfter,
		BatchSize:    cfg.MaintenanceBatch,
	},
		maintenance.WithLock(lock),
		maintenance.WithStatsCache(stats),
		maintenance.WithMetrics(app.metrics),
	)
	return app, nil
}

func newCalculator(cfg config.Config) (*pricing.Calculator, error) {
	table := pricing.DefaultShippingTable()
	if cfg.ShippingTablePath != "" {
		loaded, err := pricing.LoadShippingTable(cfg.ShippingTablePath)
		if err != nil {
			return nil, fmt.Errorf("shipping table: %w", err)
		}
		table = loaded
	}
	return pricing.NewCalculator(pricing.Options{
		VATPercent:    cfg.VATPercent,
		AdminFeeCents: cfg.AdminFeeCents,
		MarkupPercent: cfg.MarkupPercent,
		Shipping:      table,
	}), nil
}

// close releases resources in reverse order of acquisition.
func (a *application) close() {
	if a.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.dispatcher.Close(ctx); err != nil {
			a.log.WithError(err).Warn("dispatcher drain")
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("close error")
		}
	}
	a.closers = nil
}
