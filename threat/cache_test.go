package threat

import (
	"context"
	"testing"
	"time"

	"argus/core"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLRUCache(t *testing.T) {
	c := NewLRUCache(2, time.Minute)
	ctx := context.Background()

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "a", core.EnrichmentRecord{Payload: map[string]interface{}{"n": 1}}))
	require.NoError(t, c.Set(ctx, "b", core.EnrichmentRecord{}))
	require.NoError(t, c.Set(ctx, "c", core.EnrichmentRecord{}))

	assert.Equal(t, 2, c.Len())
	_, ok = c.Get(ctx, "a")
	assert.False(t, ok, "oldest entry evicted")
}

func TestRedisCache_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewRedisCache(RedisConfig{Addr: mr.Addr(), TTL: time.Hour}, zaptest.NewLogger(t).Sugar())
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	conf := 72.5
	key := CacheKey("otx", core.IndicatorTypeIP, "203.0.113.9")
	require.NoError(t, c.Set(ctx, key, core.EnrichmentRecord{
		Payload:    map[string]interface{}{"pulses": 3.0},
		Confidence: &conf,
		FetchedAt:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}))

	rec, ok := c.Get(ctx, key)
	require.True(t, ok)
	require.NotNil(t, rec.Confidence)
	assert.Equal(t, 72.5, *rec.Confidence)
	assert.Equal(t, 3.0, rec.Payload["pulses"])

	mr.FastForward(2 * time.Hour)
	_, ok = c.Get(ctx, key)
	assert.False(t, ok, "entries expire after the TTL")
}

func TestRedisCache_MalformedEntryIsMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewRedisCache(RedisConfig{Addr: mr.Addr()}, zaptest.NewLogger(t).Sugar())
	defer c.Close()

	require.NoError(t, mr.Set("enrich:x:ip:1.1.1.1", "not json"))
	_, ok := c.Get(context.Background(), "enrich:x:ip:1.1.1.1")
	assert.False(t, ok)
}
