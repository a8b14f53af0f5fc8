package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sharedCache "github.com/davicafu/auctionlab/internal/shared/infra/platform/cache"
)

type entry struct {
	Name string `json:"name"`
}

func TestInMemoryCache_SetGetDelete(t *testing.T) {
	c := NewInMemoryCache(time.Minute, 0, 0)
	defer c.Stop()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", entry{Name: "ford"}, 0))

	var got entry
	hit, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "ford", got.Name)

	require.NoError(t, c.Delete(ctx, "k"))
	hit, err = c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestInMemoryCache_Expiry(t *testing.T) {
	now := time.Now()
	c := NewInMemoryCache(time.Minute, 0, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", entry{Name: "x"}, 1))
	now = now.Add(2 * time.Second)

	var got entry
	hit, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestInMemoryCache_Bounded(t *testing.T) {
	c := NewInMemoryCache(time.Minute, 0, 2)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, c.Set(ctx, k, entry{Name: k}, 0))
	}
	assert.Equal(t, 2, c.Len())

	var got entry
	hit, err := c.Get(ctx, "c", &got)
	require.NoError(t, err)
	assert.True(t, hit, "la última escritura siempre se conserva")
	c.Stop()
	c.Stop()
}

func TestInMemoryCache_FenceRejectsOlderVersions(t *testing.T) {
	c := NewInMemoryCache(time.Minute, 0, 0)
	defer c.Stop()
	ctx := context.Background()

	stored, err := c.SetIfNewer(ctx, "k", entry{Name: "v1"}, 1, 0)
	require.NoError(t, err)
	assert.True(t, stored)

	// Una mutación a la versión 2 borra la entrada y deja la marca
	require.NoError(t, c.Fence(ctx, "k", 2, 0))

	var got entry
	hit, _ := c.Get(ctx, "k", &got)
	assert.False(t, hit)

	// Una lectura anterior que llega tarde no repuebla
	stored, err = c.SetIfNewer(ctx, "k", entry{Name: "v1"}, 1, 0)
	require.NoError(t, err)
	assert.False(t, stored)

	stored, err = c.SetIfNewer(ctx, "k", entry{Name: "v2"}, 2, 0)
	require.NoError(t, err)
	assert.True(t, stored)
	hit, _ = c.Get(ctx, "k", &got)
	assert.True(t, hit)
	assert.Equal(t, "v2", got.Name)

	// Una marca menor no rebaja la existente
	require.NoError(t, c.Fence(ctx, "k", 1, 0))
	stored, _ = c.SetIfNewer(ctx, "k", entry{Name: "v1"}, 1, 0)
	assert.False(t, stored)
}

func TestInMemoryCache_TombstoneExpires(t *testing.T) {
	now := time.Now()
	c := NewInMemoryCache(time.Minute, 0, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Fence(ctx, "k", sharedCache.Tombstone, 1))
	stored, err := c.SetIfNewer(ctx, "k", entry{Name: "x"}, 7, 0)
	require.NoError(t, err)
	assert.False(t, stored)

	now = now.Add(2 * time.Second)
	stored, err = c.SetIfNewer(ctx, "k", entry{Name: "x"}, 7, 0)
	require.NoError(t, err)
	assert.True(t, stored)
}
