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

	assert.Equal(t, "amqp", cfg.Broker.Transport)
	assert.Equal(t, 30*time.Second, cfg.Broker.CallTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Broker.Backoff.Initial)
	assert.Equal(t, 5*time.Second, cfg.Broker.Backoff.Max)
	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Equal(t, 10, cfg.Worker.Prefetch)
	assert.False(t, cfg.Worker.Ledger)
	assert.Equal(t, ":8000", cfg.Gateway.Addr)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.dsn is required")
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  log_level: debug
broker:
  transport: redis
  call_timeout: 5s
  redis:
    addr: redis:6379
database:
  driver: sqlite
  dsn: file:finance.db
worker:
  count: 2
  ledger: true
`), 0o600))

	t.Setenv("FINRPC_WORKER_COUNT", "8")
	t.Setenv("FINRPC_BROKER_NAMESPACE", "staging")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, "redis", cfg.Broker.Transport)
	assert.Equal(t, 5*time.Second, cfg.Broker.CallTimeout)
	assert.Equal(t, "redis:6379", cfg.Broker.Redis.Addr)
	assert.Equal(t, "finance", cfg.Broker.Redis.Group)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 8, cfg.Worker.Count)
	assert.Equal(t, "staging", cfg.Broker.Namespace)
	assert.True(t, cfg.Worker.Ledger)
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load("config.example.yaml")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "amqp", cfg.Broker.Transport)
	assert.Equal(t, "mysql", cfg.Database.Driver)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Database.DSN = "user:pw@tcp(db:3306)/finance_db"
	require.NoError(t, cfg.Validate())

	cfg.Broker.Transport = "kafka"
	cfg.Database.Driver = "oracle"
	cfg.Worker.Count = 0
	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"broker.transport", "database.driver", "worker.count"} {
		assert.Contains(t, err.Error(), want)
	}
}
