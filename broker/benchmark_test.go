package broker_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mrjvadi/finance-rpc/broker"
)

func newRedisClient(addr string, db, poolSize, minIdle int, readTimeout time.Duration) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		PoolSize:     poolSize,
		MinIdleConns: minIdle,
		ReadTimeout:  readTimeout, // 0 on the reply side: pub/sub reads have no deadline
		WriteTimeout: 200 * time.Millisecond,
	})
}

// benchTransport is a MemoryBroker unless REDIS_ADDR points at a real server.
func benchTransport(b *testing.B) broker.Transport {
	b.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return broker.NewMemoryBroker()
	}
	rdb := newRedisClient(addr, getenvInt("REDIS_DB", 15), 512, 128, 0)
	b.Cleanup(func() { _ = rdb.Close() })
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		b.Fatalf("redis ping failed: %v", err)
	}
	if getenv("REDIS_FLUSHDB", "1") == "1" {
		if err := rdb.FlushDB(context.Background()).Err(); err != nil {
			b.Fatalf("flushdb failed: %v", err)
		}
	}
	tr := broker.NewRedisTransport(rdb, fmt.Sprintf("bench_group:%d", time.Now().UnixNano()))
	tr.StreamMaxLen = 100_000
	return tr
}

func startBenchWorkers(b *testing.B, tr broker.Transport, n int) {
	b.Helper()
	pool := broker.NewWorkerPool(tr, n, func(w *broker.Worker) {
		w.Handle("GET_INFO", func(c *broker.Context) (broker.Result, error) {
			return broker.Result{"info": "ok"}, nil
		})
	}, broker.WithPrefetch(64))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()
	b.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(5 * time.Second)
	for _, w := range pool.Workers() {
		for w.State() != broker.Connected {
			if time.Now().After(deadline) {
				b.Fatalf("worker %s did not connect", w.Name())
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

// One request at a time over a single client: round-trip latency.
func BenchmarkRPC_Serial(b *testing.B) {
	tr := benchTransport(b)
	startBenchWorkers(b, tr, 1)

	ctx := context.Background()
	c, err := broker.NewClient(ctx, tr)
	if err != nil {
		b.Fatalf("client: %v", err)
	}
	defer c.Close()

	if _, err := c.Call(ctx, "GET_INFO", []byte(`{"id":0}`)); err != nil {
		b.Fatalf("warmup rpc failed: %v", err)
	}

	payload := []byte(`{"id":101}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Call(ctx, "GET_INFO", payload); err != nil {
			b.Fatalf("rpc failed: %v", err)
		}
	}
	b.StopTimer()
}

// Concurrent callers through the pool against several workers.
func BenchmarkRPC_Parallel(b *testing.B) {
	tr := benchTransport(b)
	startBenchWorkers(b, tr, 4)

	ctx := context.Background()
	pool := broker.NewClientPool(tr, broker.WithMaxClients(64), broker.WithCallTimeout(5*time.Second))
	defer pool.Close()

	if _, err := pool.Call(ctx, "GET_INFO", []byte("{}")); err != nil {
		b.Fatalf("warmup rpc failed: %v", err)
	}

	payload := []byte(`{"id":101}`)
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := pool.Call(ctx, "GET_INFO", payload); err != nil {
				b.Errorf("rpc failed: %v", err)
				return
			}
		}
	})
	b.StopTimer()
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		_, _ = fmt.Sscanf(v, "%d", &n)
		if n != 0 {
			return n
		}
	}
	return def
}
