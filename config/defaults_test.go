package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ExecutorConfig{}, cfg.Executor)
	assert.NotEqual(t, StoreConfig{}, cfg.Store)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, DatabaseConfig{}, cfg.Database)
	assert.NotEqual(t, MetricsConfig{}, cfg.Metrics)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.NotEmpty(t, cfg.Log.Level)
}

func TestDefaultExecutorConfig(t *testing.T) {
	cfg := DefaultExecutorConfig()
	assert.Equal(t, 256, cfg.MaxEvents)
	assert.Equal(t, 16, cfg.Workers)
	assert.Equal(t, 256, cfg.QueueSize)
	// 默认不启用中断
	assert.Zero(t, cfg.SoftTimeout)
	assert.Zero(t, cfg.TokenLimit)
}

func TestDefaultStoreConfig(t *testing.T) {
	cfg := DefaultStoreConfig()
	assert.Equal(t, "memory", cfg.Type)
	assert.Equal(t, "wayflow:", cfg.KeyPrefix)
	assert.NotEmpty(t, cfg.BaseDir)
	assert.Zero(t, cfg.TTL)
}

func TestDefaultDatabaseConfig(t *testing.T) {
	cfg := DefaultDatabaseConfig()
	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "wayflow", cfg.Name)
	assert.Equal(t, 25, cfg.MaxOpenConns)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
}

func TestDefaultLogAndTelemetryConfig(t *testing.T) {
	log := DefaultLogConfig()
	assert.Equal(t, "info", log.Level)
	assert.Equal(t, "json", log.Format)
	assert.Equal(t, []string{"stdout"}, log.OutputPaths)

	tel := DefaultTelemetryConfig()
	assert.False(t, tel.Enabled)
	assert.Equal(t, "wayflow", tel.ServiceName)
	assert.InDelta(t, 0.1, tel.SampleRate, 1e-9)
	assert.True(t, tel.Insecure)

	m := DefaultMetricsConfig()
	assert.False(t, m.Enabled)
	assert.Equal(t, "wayflow", m.Namespace)
}
