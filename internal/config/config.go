package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port          string `envconfig:"PORT" default:"8080"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`

	DatabaseURL string `envconfig:"DATABASE_URL"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisPrefix   string `envconfig:"REDIS_PREFIX" default:"varistock"`

	KafkaBrokers   string        `envconfig:"KAFKA_BROKERS"`
	KafkaTopic     string        `envconfig:"KAFKA_TOPIC" default:"varistock.orders"`
	OutboxInterval time.Duration `envconfig:"OUTBOX_INTERVAL" default:"5s"`

	AuthSecret string `envconfig:"AUTH_SECRET"`
	AuthIssuer string `envconfig:"AUTH_ISSUER" default:"varistock"`
	// ManagerPIN is either the PIN itself or its bcrypt hash.
	ManagerPIN string `envconfig:"MANAGER_PIN"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	MaintenanceHourUTC  int           `envconfig:"MAINTENANCE_HOUR_UTC" default:"3"`
	ArchiveAfter        time.Duration `envconfig:"ARCHIVE_AFTER" default:"720h"`
	DeleteAfter         time.Duration `envconfig:"DELETE_AFTER" default:"4320h"`
	MaintenanceBatch    int           `envconfig:"MAINTENANCE_BATCH" default:"200"`
	MaintenanceDisabled bool          `envconfig:"MAINTENANCE_DISABLED" default:"false"`

	ShippingTablePath string  `envconfig:"SHIPPING_TABLE_PATH"`
	VATPercent        float64 `envconfig:"VAT_PERCENT" default:"12"`
	AdminFeeCents     int64   `envconfig:"ADMIN_FEE_CENTS" default:"0"`
	MarkupPercent     float64 `envconfig:"MARKUP_PERCENT" default:"0"`

	OTLPEndpoint     string  `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure     bool    `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"false"`
	TraceSampleRatio float64 `envconfig:"TRACE_SAMPLE_RATIO" default:"1"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.ManagerPIN = strings.TrimSpace(cfg.ManagerPIN)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MaintenanceHourUTC < 0 || c.MaintenanceHourUTC > 23 {
		return fmt.Errorf("MAINTENANCE_HOUR_UTC must be between 0 and 23, got %d", c.MaintenanceHourUTC)
	}
	if c.ArchiveAfter <= 0 || c.DeleteAfter <= 0 {
		return fmt.Errorf("ARCHIVE_AFTER and DELETE_AFTER must be positive")
	}
	if c.VATPercent < 0 || c.MarkupPercent < 0 || c.AdminFeeCents < 0 {
		return fmt.Errorf("pricing settings must not be negative")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be within [0,1]")
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}
