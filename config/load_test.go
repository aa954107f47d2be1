package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "thistle", cfg.AppName)
	assert.Equal(t, 3004, cfg.Port)
	assert.Equal(t, "file", cfg.StoreBackend)
	assert.Equal(t, 30*time.Second, cfg.LockTimeout)
	assert.Equal(t, []string{"system", "model"}, cfg.ResolverAutomatedActors)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 2.0, cfg.FetchRateLimit)
	assert.True(t, cfg.DatabaseMigrationAutoRollback)
	assert.False(t, cfg.PrettyLogs)
	assert.Empty(t, cfg.SchemaPath)
	assert.Equal(t, "thistle:lock:", cfg.RedisKeyPrefix)
	assert.Equal(t, "5432", cfg.DatabasePort)
	assert.Equal(t, 6*time.Hour, cfg.LockStaleAfter)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thistle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 8080
log_level: debug
lock_backend: redis
kafka_brokers:
  - kafka-1:9092
  - kafka-2:9092
lock_timeout: 2m
`), 0o644))

	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("RESOLVER_AUTOMATED_ACTORS", "system, dedupe-bot")
	t.Setenv("PRETTY_LOGS", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "redis", cfg.LockBackend)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 2*time.Minute, cfg.LockTimeout)
	assert.Equal(t, []string{"system", "dedupe-bot"}, cfg.ResolverAutomatedActors)
	assert.True(t, cfg.PrettyLogs)
}

func TestLoad_InvalidValue(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("LOCK_TIMEOUT", "thirty seconds")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOCK_TIMEOUT")
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thistle.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fetch_timeout: 5s\nexport_block_size: 50\n"), 0o644))
	t.Setenv("FETCH_TIMEOUT", " 90s ")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 50, cfg.ExportBlockSize)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
