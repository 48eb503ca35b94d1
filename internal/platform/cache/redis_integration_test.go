//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return "redis://" + endpoint + "/0"
}

func TestRedisStoreRoundTrip(t *testing.T) {
	url := startRedis(t)
	ctx := context.Background()

	store, err := DialRedis(ctx, url, WithKeyPrefix("test:"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Set(ctx, "holidays", []byte(`["2024-12-25"]`), time.Minute))

	value, ok, err := store.Get(ctx, "holidays")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `["2024-12-25"]`, string(value))

	require.NoError(t, store.Delete(ctx, "holidays"))
	_, ok, err = store.Get(ctx, "holidays")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStoreHonoursTTL(t *testing.T) {
	url := startRedis(t)
	ctx := context.Background()

	store, err := DialRedis(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Set(ctx, "short", []byte("v"), time.Second))
	require.Eventually(t, func() bool {
		_, ok, err := store.Get(ctx, "short")
		return err == nil && !ok
	}, 5*time.Second, 100*time.Millisecond)
}
