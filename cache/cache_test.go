package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, opts, nil)
}

func TestFingerprintDeterministic(t *testing.T) {
	c := newTestCache(t, Options{})
	a := c.Fingerprint("kb-1", "  Hello World  ", map[string]any{"mode": "hybrid"}, map[string]any{"file_types": []any{"pdf"}})
	b := c.Fingerprint("kb-1", "hello world", map[string]any{"mode": "hybrid"}, map[string]any{"file_types": []any{"pdf"}})
	require.Equal(t, a, b)

	c2 := c.Fingerprint("kb-1", "hello world", map[string]any{"mode": "semantic"}, map[string]any{"file_types": []any{"pdf"}})
	require.NotEqual(t, a, c2)
}

func TestSetGetRoundTrip(t *testing.T) {
	c := newTestCache(t, Options{})
	ctx := context.Background()
	key := c.Fingerprint("kb-1", "test query", nil, nil)

	_, hit := c.Get(ctx, key)
	require.False(t, hit)

	c.Set(ctx, key, []Result{{ChunkID: "c1", Score: 0.9}})

	got, hit := c.Get(ctx, key)
	require.True(t, hit)
	require.Len(t, got, 1)
	require.Equal(t, "c1", got[0].ChunkID)
}

func TestEmptyResultsNotCachedByDefault(t *testing.T) {
	c := newTestCache(t, Options{})
	ctx := context.Background()
	key := c.Fingerprint("kb-1", "nothing found", nil, nil)

	c.Set(ctx, key, nil)
	_, hit := c.Get(ctx, key)
	require.False(t, hit)
}

func TestEmptyResultsCachedWhenConfigured(t *testing.T) {
	c := newTestCache(t, Options{CacheEmpty: true})
	ctx := context.Background()
	key := c.Fingerprint("kb-1", "nothing found", nil, nil)

	c.Set(ctx, key, []Result{})
	got, hit := c.Get(ctx, key)
	require.True(t, hit)
	require.Empty(t, got)
}

func TestInvalidateKBScopesByPrefix(t *testing.T) {
	c := newTestCache(t, Options{})
	ctx := context.Background()

	kA := c.Fingerprint("kb-A", "q1", nil, nil)
	kB := c.Fingerprint("kb-B", "q1", nil, nil)
	c.Set(ctx, kA, []Result{{ChunkID: "a"}})
	c.Set(ctx, kB, []Result{{ChunkID: "b"}})

	n := c.InvalidateKB(ctx, "kb-A")
	require.Equal(t, 1, n)

	_, hitA := c.Get(ctx, kA)
	require.False(t, hitA)
	_, hitB := c.Get(ctx, kB)
	require.True(t, hitB)
}
