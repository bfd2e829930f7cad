package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.AuthSecret)
	assert.Empty(t, cfg.ManagerPIN)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, 3, cfg.MaintenanceHourUTC)
	assert.Equal(t, 30*24*time.Hour, cfg.ArchiveAfter)
	assert.Equal(t, 180*24*time.Hour, cfg.DeleteAfter)
	assert.Equal(t, 12.0, cfg.VATPercent)
	assert.Equal(t, "varistock.orders", cfg.KafkaTopic)
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ARCHIVE_AFTER", "48h")
	t.Setenv("MAINTENANCE_HOUR_UTC", "22")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("MANAGER_PIN", "  739154 ")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 48*time.Hour, cfg.ArchiveAfter)
	assert.Equal(t, 22, cfg.MaintenanceHourUTC)
	assert.Equal(t, "kafka-1:9092,kafka-2:9092", cfg.KafkaBrokers)
	assert.Equal(t, "739154", cfg.ManagerPIN)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Run("hour", func(t *testing.T) {
		t.Setenv("MAINTENANCE_HOUR_UTC", "24")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("duration", func(t *testing.T) {
		t.Setenv("DELETE_AFTER", "soon")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("sample ratio", func(t *testing.T) {
		t.Setenv("TRACE_SAMPLE_RATIO", "1.5")
		_, err := Load()
		assert.Error(t, err)
	})
}
