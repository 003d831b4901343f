package cache

import (
	"context"
	"testing"
	"time"

	"github.com/odorie/api-gestion-poc/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute, logger.Discard())
	t.Cleanup(func() { _ = c.Close() })

	_, ok, err := c.Get(ctx, "snapshot:1")
	require.NoError(t, err)
	assert.False(t, ok)

	value := []byte(`{"name":"Melun"}`)
	require.NoError(t, c.Set(ctx, "snapshot:1", value, 0))
	value[2] = 'X'

	got, ok, err := c.Get(ctx, "snapshot:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"Melun"}`, string(got), "stored value is a copy")

	require.NoError(t, c.Delete(ctx, "snapshot:1"))
	_, ok, _ = c.Get(ctx, "snapshot:1")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats["hits"])
	assert.Equal(t, int64(2), stats["misses"])
}

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(10*time.Millisecond, logger.Discard())
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Millisecond))

	assert.Eventually(t, func() bool {
		return c.Stats()["entries"] == 0
	}, time.Second, 5*time.Millisecond)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
