package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, DriverRedis, cfg.Store.Driver)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "ce", cfg.Redis.KeyPrefix)
	assert.Equal(t, 1, cfg.CE.WorkerCount)
	assert.Equal(t, 2*time.Second, cfg.CE.Delay)
	assert.Equal(t, 40*time.Second, cfg.CE.ShutdownTimeout)
	assert.Equal(t, 6*time.Hour, cfg.CE.StaleAfter)
	assert.Equal(t, time.Minute, cfg.CE.Heartbeat)
	assert.Equal(t, "@every 10m", cfg.CE.SweepSchedule)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, 8080, cfg.HTTP.Port)
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CE_STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://ce:ce@localhost:5432/ce")
	t.Setenv("CE_WORKER_COUNT", "4")
	t.Setenv("CE_DELAY", "500ms")
	t.Setenv("CE_LOGS_DIR", "/var/log/ce")
	t.Setenv("METRICS_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://ce:ce@localhost:5432/ce", cfg.Database.URL)
	assert.Equal(t, 4, cfg.CE.WorkerCount)
	assert.Equal(t, 500*time.Millisecond, cfg.CE.Delay)
	assert.Equal(t, "/var/log/ce", cfg.CE.LogsDir)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown driver", map[string]string{"CE_STORE_DRIVER": "mongo"}},
		{"zero workers", map[string]string{"CE_WORKER_COUNT": "0"}},
		{"too many workers", map[string]string{"CE_WORKER_COUNT": "65"}},
		{"bad log level", map[string]string{"LOG_LEVEL": "trace"}},
		{"postgres without url", map[string]string{"CE_STORE_DRIVER": "postgres"}},
		{"sqlite without url", map[string]string{"CE_STORE_DRIVER": "sqlite"}},
		{"bad port", map[string]string{"HTTP_PORT": "70000"}},
		{"heartbeat not below stale age", map[string]string{"CE_HEARTBEAT_INTERVAL": "6h"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "validation failed")
			assert.Nil(t, cfg)
		})
	}
}

func TestLoadParseError(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CE_DELAY", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse environment")
}
