package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newBenchClient returns a Redis client connected to localhost:6379.
// Benchmarks are skipped if Redis is not reachable.
func newBenchClient(b *testing.B) *redis.Client {
	b.Helper()
	c := redis.NewClient(&redis.Options{
		Addr:         "localhost:6379",
		DialTimeout:  1 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	if err := c.Ping(context.Background()).Err(); err != nil {
		b.Skipf("Redis not available at localhost:6379: %v", err)
	}
	b.Cleanup(func() { _ = c.Close() })
	return c
}

// BenchmarkProgressStore_Checkpoint measures one checkpoint pipeline.
func BenchmarkProgressStore_Checkpoint(b *testing.B) {
	client := newBenchClient(b)
	store := NewProgressStore(client)
	ctx := context.Background()
	b.Cleanup(func() { client.Del(ctx, stepKey("bench-task"), progressKey("bench-task")) })

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := store.Checkpoint(ctx, "bench-task", "handler:generate"); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkLock_AcquireRelease measures an uncontended acquire/release pair.
func BenchmarkLock_AcquireRelease(b *testing.B) {
	l := NewLock(newBenchClient(b), "bench-worker", "bench-owner", 10*time.Second)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		lease, err := l.TryAcquire(ctx)
		if err != nil {
			b.Fatal(err)
		}
		if err := lease.Release(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkRateLimiter_Allow_Parallel stresses concurrent admissions.
func BenchmarkRateLimiter_Allow_Parallel(b *testing.B) {
	rl := NewRateLimiter(newBenchClient(b), "bench", 1_000_000, time.Minute)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := rl.Allow(ctx, "agent-bench"); err != nil {
				b.Fatal(err)
			}
		}
	})
}
