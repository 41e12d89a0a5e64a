package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mrjvadi/finance-rpc/broker"
	"github.com/mrjvadi/finance-rpc/config"
	"github.com/mrjvadi/finance-rpc/finance"
	"github.com/mrjvadi/finance-rpc/gateway"
	"github.com/mrjvadi/finance-rpc/storage"
)

// newTransport builds the configured broker transport. The returned cleanup
// releases whatever the transport holds.
func newTransport(cfg *config.Config, logger *zap.Logger) (broker.Transport, func(), error) {
	switch cfg.Broker.Transport {
	case "amqp":
		t := broker.NewAMQPTransport(cfg.Broker.URL)
		t.Name = cfg.App.Name
		if cfg.Broker.Heartbeat > 0 {
			t.Heartbeat = cfg.Broker.Heartbeat
		}
		return t, func() {}, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Broker.Redis.Addr,
			Password: cfg.Broker.Redis.Password,
			DB:       cfg.Broker.Redis.DB,
			// Pub/sub reply reads block indefinitely.
			ReadTimeout: -1,
		})
		t := broker.NewRedisTransport(rdb, cfg.Broker.Redis.Group)
		if cfg.Broker.Redis.ClaimMinIdle > 0 {
			t.ClaimMinIdle = cfg.Broker.Redis.ClaimMinIdle
		}
		t.StreamMaxLen = cfg.Broker.Redis.StreamMaxLen
		return t, func() { _ = rdb.Close() }, nil
	case "memory":
		logger.Warn("using the in-process memory broker; gateway and workers must share this process")
		return broker.NewMemoryBroker(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown broker transport %q", cfg.Broker.Transport)
	}
}

func brokerOptions(cfg *config.Config, logger *zap.Logger, metrics *gateway.Metrics) []broker.Option {
	opts := []broker.Option{
		broker.WithLogger(logger),
		broker.WithBackoff(broker.Backoff{
			InitialInterval: cfg.Broker.Backoff.Initial,
			MaxInterval:     cfg.Broker.Backoff.Max,
			DegradedAfter:   cfg.Broker.Backoff.DegradedAfter,
		}),
		broker.WithCallTimeout(cfg.Broker.CallTimeout),
		broker.WithMaxClients(cfg.Broker.MaxClients),
		broker.WithPrefetch(cfg.Worker.Prefetch),
	}
	if metrics != nil {
		opts = append(opts, broker.WithStateHook(metrics.ObserveState))
	}
	return opts
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*storage.Store, error) {
	store, err := storage.Open(storage.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		BcryptCost:      cfg.Database.BcryptCost,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	return store, nil
}

// runGateway serves HTTP over a client pool until ctx is done.
func runGateway(ctx context.Context, cfg *config.Config, t broker.Transport, logger *zap.Logger) error {
	metrics := gateway.NewMetrics()
	pool := broker.NewClientPool(t, append(brokerOptions(cfg, logger, metrics), broker.WithName("gateway-rpc"))...)
	defer pool.Close()

	srv := gateway.New(pool,
		gateway.WithLogger(logger.Named("gateway")),
		gateway.WithMetrics(metrics),
		gateway.WithNamespace(cfg.Broker.Namespace),
	)
	return srv.ListenAndServe(ctx, cfg.Gateway.Addr, cfg.Gateway.ReadTimeout, cfg.Gateway.WriteTimeout, cfg.Gateway.ShutdownTimeout)
}

// runWorkers consumes the six finance queues with cfg.Worker.Count workers
// until ctx is done.
func runWorkers(ctx context.Context, cfg *config.Config, t broker.Transport, store *storage.Store, logger *zap.Logger) error {
	opts := append(brokerOptions(cfg, logger, nil), broker.WithName(cfg.App.Name+"-worker"))
	if cfg.Worker.Ledger {
		opts = append(opts, broker.WithLedger(store))
		go pruneLedger(ctx, store, cfg.Worker.LedgerRetention, logger)
	}
	svc := finance.NewService(store)
	pool := broker.NewWorkerPool(t, cfg.Worker.Count, func(w *broker.Worker) {
		svc.Register(w.Group(cfg.Broker.Namespace))
	}, opts...)
	return pool.Run(ctx)
}

// pruneLedger drops ledger rows older than retention, hourly.
func pruneLedger(ctx context.Context, store *storage.Store, retention time.Duration, logger *zap.Logger) {
	if retention <= 0 {
		return
	}
	tick := time.NewTicker(time.Hour)
	defer tick.Stop()
	for {
		n, err := store.PruneResponses(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Warn("ledger prune failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("ledger pruned", zap.Int64("rows", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}
