package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"varistock/backend/internal/config"
	"varistock/backend/internal/httpapi"
	pgstore "varistock/backend/internal/store/postgres"
	"varistock/backend/internal/tracing"
)

var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("varistock exited")
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "varistock",
		Usage:   "variant inventory, order lifecycle and till settlement backend",
		Version: version,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API, outbox relay and maintenance scheduler",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "apply database migrations",
				Action: migrate,
			},
			{
				Name:  "maintenance",
				Usage: "inspect or trigger order archival",
				Subcommands: []*cli.Command{
					{Name: "run", Usage: "run one archive and purge pass now", Action: maintenanceRun},
					{Name: "stats", Usage: "print order retention counters", Action: maintenanceStats},
				},
			},
		},
		DefaultCommand: "serve",
	}
}

func serve(c *cli.Context) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	if err := validateSecurityConfig(cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		ServiceName:    "varistock",
		ServiceVersion: version,
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		SampleRatio:    cfg.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	app, err := build(startCtx, cfg, log)
	cancel()
	if err != nil {
		return err
	}
	defer app.close()

	authorizer := httpapi.NewJWTAuthorizer(cfg.AuthSecret, cfg.AuthIssuer)
	pin, err := httpapi.NewPINVerifier(cfg.ManagerPIN)
	if err != nil {
		return fmt.Errorf("manager pin: %w", err)
	}
	api := httpapi.New(app.service, authorizer, httpapi.Options{
		PIN:           pin,
		Maintenance:   app.scheduler,
		Metrics:       app.metrics,
		Log:           log,
		AllowedOrigin: cfg.AllowedOrigin,
	})
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if !cfg.MaintenanceDisabled {
		if err := app.scheduler.Start(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.Address()).Info("varistock listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return app.relay.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
		app.scheduler.Stop()
		if err := app.dispatcher.Close(shutdownCtx); err != nil {
			log.WithError(err).Warn("dispatcher drain")
		}
		if _, err := app.relay.Flush(shutdownCtx); err != nil {
			log.WithError(err).Warn("final outbox flush")
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.WithError(err).Warn("tracing shutdown")
		}
		return nil
	})

	err = g.Wait()
	log.Info("server stopped")
	return err
}

func migrate(_ *cli.Context) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required to migrate")
	}
	if err := pgstore.Migrate(cfg.DatabaseURL); err != nil {
		return err
	}
	log.Info("migrations applied")
	return nil
}

func maintenanceRun(c *cli.Context) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	app, err := build(c.Context, cfg, log)
	if err != nil {
		return err
	}
	defer app.close()

	report, runErr := app.scheduler.RunNow(c.Context)
	if err := printJSON(c, report); err != nil {
		return err
	}
	if _, err := app.relay.Flush(c.Context); err != nil {
		log.WithError(err).Warn("outbox flush")
	}
	return runErr
}

func maintenanceStats(c *cli.Context) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	app, err := build(c.Context, cfg, log)
	if err != nil {
		return err
	}
	defer app.close()

	stats, err := app.scheduler.Stats(c.Context)
	if err != nil {
		return err
	}
	return printJSON(c, stats)
}

func bootstrap() (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config: %w", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func newLogger(cfg config.Config) (*logrus.Logger, error) {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	log.SetLevel(level)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

func printJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
