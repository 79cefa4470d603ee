//go:build integration
// +build integration

package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Skipf("Skipping integration test: failed to start redis: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisBackend_ConcurrentAcquisitions_Integration(t *testing.T) {
	client := setupRedis(t)
	l := NewLimiter(NewRedisBackend(client, "test:"), Config{DefaultBudget: 10, Window: time.Hour})
	ctx := context.Background()

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire(ctx, "huggingface") {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), granted.Load())
	u, err := l.Utilization(ctx, "huggingface")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, u, 1e-9)
}

func TestRedisBackend_WindowExpiry_Integration(t *testing.T) {
	client := setupRedis(t)
	backend := NewRedisBackend(client, "")
	ctx := context.Background()
	t0 := time.Now()

	d, err := backend.Acquire(ctx, "k", 1, time.Minute, t0)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = backend.Acquire(ctx, "k", 1, time.Minute, t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = backend.Acquire(ctx, "k", 1, time.Minute, t0.Add(61*time.Second))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
