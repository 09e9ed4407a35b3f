package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.yaml"), []byte("db:\n  host: localhost\n"), 0o600))

	cfg, err := LoadFrom("local", dir)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.Equal(t, 1, cfg.Delivery.Workers)
	assert.Equal(t, 10*time.Second, cfg.Delivery.EmptyQueueBackoff)
	assert.Equal(t, time.Second, cfg.Delivery.ErrorBackoff)
	assert.Equal(t, 24*time.Hour, cfg.Delivery.DedupTTL)
	assert.False(t, cfg.Delivery.DedupEnabled)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.Retention)
	assert.Equal(t, 120*time.Second, cfg.Idempotency.SweepInterval)
	assert.Equal(t, 5*time.Minute, cfg.Idempotency.ReservationTimeout)
	assert.Equal(t, 10*time.Second, cfg.EmailClient.Timeout())
}

func TestLoadFrom_RepositoryConfig(t *testing.T) {
	t.Setenv("JWT_SECRET", "from-env")

	cfg, err := LoadFrom("local", ".")
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Delivery.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "from-env", cfg.JWT.Secret)
	assert.Equal(t, 10000, cfg.EmailClient.TimeoutMilliseconds)
	assert.True(t, cfg.Idempotency.CacheEnabled)
}
