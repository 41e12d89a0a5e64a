package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mrjvadi/finance-rpc/broker"
	"github.com/mrjvadi/finance-rpc/config"
)

func TestMigrateCommand(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "finance.db")
	t.Setenv("FINRPC_BROKER_TRANSPORT", "memory")
	t.Setenv("FINRPC_DATABASE_DRIVER", "sqlite")
	t.Setenv("FINRPC_DATABASE_DSN", dsn)
	t.Setenv("FINRPC_APP_LOG_LEVEL", "error")

	root := newRootCmd()
	root.SetArgs([]string{"migrate"})
	require.NoError(t, root.Execute())

	cfg, err := config.Load("")
	require.NoError(t, err)
	store, err := openStore(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()
	id, err := store.CreateUser(context.Background(), "ann", "x")
	require.NoError(t, err)
	assert.NotZero(t, id)
}

func TestRootRejectsInvalidConfig(t *testing.T) {
	t.Setenv("FINRPC_BROKER_TRANSPORT", "carrier-pigeon")
	root := newRootCmd()
	root.SetArgs([]string{"migrate"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestNewTransport(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	for name, want := range map[string]any{
		"amqp":   &broker.AMQPTransport{},
		"redis":  &broker.RedisTransport{},
		"memory": &broker.MemoryBroker{},
	} {
		cfg.Broker.Transport = name
		tr, cleanup, err := newTransport(cfg, zap.NewNop())
		require.NoError(t, err, name)
		assert.IsType(t, want, tr, name)
		cleanup()
	}

	cfg.Broker.Transport = "nope"
	_, _, err = newTransport(cfg, zap.NewNop())
	assert.Error(t, err)
}
