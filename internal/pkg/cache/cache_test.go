package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaches(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	caches := map[string]Cache{
		"redis":  NewRedisCache(client, "payment"),
		"memory": NewMemory("payment"),
	}
	for name, c := range caches {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := c.GenerateKey("charge", "saga-1:ProcessPayment")
			assert.Equal(t, "payment:charge:saga-1:ProcessPayment", key)

			got, err := c.Get(ctx, key)
			require.NoError(t, err)
			assert.Empty(t, got)

			require.NoError(t, c.Set(ctx, key, "pay-1", time.Hour))
			got, err = c.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, "pay-1", got)

			require.NoError(t, c.Delete(ctx, key))
			got, err = c.Get(ctx, key)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestMemoryExpires(t *testing.T) {
	c := NewMemory("inventory")
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", "v", time.Nanosecond))
	time.Sleep(time.Millisecond)

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, got)
}
