package offline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCacheStoreSetGet(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	cache := NewCacheStoreWithDefaults(ctx, storage)
	defer cache.Close()

	assert.Equal(t, cache.GetCachedData("products"), nil)

	ok := cache.SetCachedData("products", json.RawMessage(`{"items":[]}`), 0)
	assert.Equal(t, ok, true)
	assert.Equal(t, cache.GetCachedData("products"), json.RawMessage(`{"items":[]}`))

	// the write went through to the durable row
	_, ok, err := storage.Get(ctx, "cache/products")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)

	cache.InvalidateCachedData("products")
	assert.Equal(t, cache.GetCachedData("products"), nil)
	_, ok, err = storage.Get(ctx, "cache/products")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)
}

func TestCacheStoreExpiry(t *testing.T) {
	storage := NewMemoryStorage()

	cache := NewCacheStoreWithDefaults(context.Background(), storage)
	defer cache.Close()

	cache.SetCachedData("short", json.RawMessage(`1`), 50*time.Millisecond)
	cache.SetCachedData("long", json.RawMessage(`2`), 1*time.Hour)
	assert.Equal(t, cache.GetCachedData("short"), json.RawMessage(`1`))

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, cache.GetCachedData("short"), nil)
	assert.Equal(t, cache.GetCachedData("long"), json.RawMessage(`2`))
}

// entries age from the original write time, not from restart
func TestCacheStoreRestart(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	a := NewCacheStoreWithDefaults(ctx, storage)
	a.SetCachedData("products", json.RawMessage(`{"n":3}`), 1*time.Hour)
	a.SetCachedData("stale", json.RawMessage(`0`), 30*time.Millisecond)
	a.Close()

	time.Sleep(60 * time.Millisecond)

	b := NewCacheStoreWithDefaults(ctx, storage)
	defer b.Close()

	assert.Equal(t, b.GetCachedData("products"), json.RawMessage(`{"n":3}`))
	assert.Equal(t, b.GetCachedData("stale"), nil)

	// an expired row is swept rather than reloaded
	_, ok, err := storage.Get(ctx, "cache/stale")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)
}

func TestCacheStoreCapacityEviction(t *testing.T) {
	storage := NewMemoryStorage()

	settings := &CacheStoreSettings{
		DefaultMaxAge: 1 * time.Hour,
		Capacity:      2,
	}
	cache := NewCacheStore(context.Background(), storage, settings)
	defer cache.Close()

	cache.SetCachedData("a", json.RawMessage(`1`), 0)
	cache.SetCachedData("b", json.RawMessage(`2`), 0)
	cache.SetCachedData("c", json.RawMessage(`3`), 0)

	// a capacity eviction keeps the durable row, so every key still
	// serves through the fallback path
	assert.Equal(t, cache.GetCachedData("a"), json.RawMessage(`1`))
	assert.Equal(t, cache.GetCachedData("b"), json.RawMessage(`2`))
	assert.Equal(t, cache.GetCachedData("c"), json.RawMessage(`3`))
}
