package offline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/golang/glog"
	"github.com/jellydator/ttlcache/v3"
)

type CacheStoreSettings struct {
	// applied when `SetCachedData` is called with maxAge <= 0
	DefaultMaxAge time.Duration
	// memory layer capacity. the durable layer is unbounded.
	Capacity uint64
}

func DefaultCacheStoreSettings() *CacheStoreSettings {
	return &CacheStoreSettings{
		DefaultMaxAge: 15 * time.Minute,
		Capacity:      4096,
	}
}

type CacheEntry struct {
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
	CachedAt time.Time       `json:"cached_at"`
	MaxAgeMs int64           `json:"max_age_ms"`
}

func (self *CacheEntry) MaxAge() time.Duration {
	return time.Duration(self.MaxAgeMs) * time.Millisecond
}

// valid iff now - cachedAt < maxAge. invalid entries read as absent.
func (self *CacheEntry) Valid(now time.Time) bool {
	return now.Sub(self.CachedAt) < self.MaxAge()
}

// serves previously fetched data while offline. memory layer with per-entry
// ttl over a write-through durable row per key. expiry is pinned to the
// original fetch time, reads do not extend it.
type CacheStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	storage  Storage
	settings *CacheStoreSettings

	cache *ttlcache.Cache[string, *CacheEntry]
}

func NewCacheStoreWithDefaults(ctx context.Context, storage Storage) *CacheStore {
	return NewCacheStore(ctx, storage, DefaultCacheStoreSettings())
}

func NewCacheStore(ctx context.Context, storage Storage, settings *CacheStoreSettings) *CacheStore {
	cancelCtx, cancel := context.WithCancel(ctx)

	cache := ttlcache.New[string, *CacheEntry](
		ttlcache.WithTTL[string, *CacheEntry](settings.DefaultMaxAge),
		ttlcache.WithCapacity[string, *CacheEntry](settings.Capacity),
		ttlcache.WithDisableTouchOnHit[string, *CacheEntry](),
	)

	cacheStore := &CacheStore{
		ctx:      cancelCtx,
		cancel:   cancel,
		storage:  storage,
		settings: settings,
		cache:    cache,
	}

	cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *CacheEntry]) {
		// capacity evictions keep the durable row, the entry is still valid
		if reason == ttlcache.EvictionReasonExpired {
			cacheStore.deleteDurable(item.Key())
		}
	})

	go cache.Start()

	go func() {
		<-cancelCtx.Done()
		cache.Stop()
	}()

	cacheStore.load()

	return cacheStore
}

// pull still-valid rows into the memory layer and sweep the rest
func (self *CacheStore) load() {
	keys, err := self.storage.Keys(self.ctx, storageKeyCachePrefix)
	if err != nil {
		glog.Warningf("[cs]load keys: %s\n", err)
		return
	}
	now := time.Now()
	for _, storageKey := range keys {
		value, ok, err := self.storage.Get(self.ctx, storageKey)
		if err != nil || !ok {
			continue
		}
		var entry CacheEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			glog.Warningf("[cs]load %s: %s\n", storageKey, err)
			self.storage.Delete(self.ctx, storageKey)
			continue
		}
		if !entry.Valid(now) {
			self.storage.Delete(self.ctx, storageKey)
			continue
		}
		remaining := entry.MaxAge() - now.Sub(entry.CachedAt)
		self.cache.Set(entry.Key, &entry, remaining)
	}
}

// returns whether the durable write succeeded. the memory layer is
// updated either way.
func (self *CacheStore) SetCachedData(key string, value json.RawMessage, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = self.settings.DefaultMaxAge
	}
	entry := &CacheEntry{
		Key:      key,
		Value:    value,
		CachedAt: time.Now(),
		MaxAgeMs: maxAge.Milliseconds(),
	}
	self.cache.Set(key, entry, maxAge)

	entryJson, err := json.Marshal(entry)
	if err != nil {
		glog.Warningf("[cs]set %s: %s\n", key, err)
		return false
	}
	if err := self.storage.Set(self.ctx, storageKeyCachePrefix+key, entryJson); err != nil {
		glog.Warningf("[cs]set %s: %s\n", key, err)
		return false
	}
	return true
}

// nil once the entry is older than its max age, even without a sweep
func (self *CacheStore) GetCachedData(key string) json.RawMessage {
	if item := self.cache.Get(key); item != nil {
		return item.Value().Value
	}

	// capacity evicted or written by another process, try the durable row
	value, ok, err := self.storage.Get(self.ctx, storageKeyCachePrefix+key)
	if err != nil || !ok {
		return nil
	}
	var entry CacheEntry
	if err := json.Unmarshal(value, &entry); err != nil {
		self.deleteDurable(key)
		return nil
	}
	now := time.Now()
	if !entry.Valid(now) {
		self.deleteDurable(key)
		return nil
	}
	remaining := entry.MaxAge() - now.Sub(entry.CachedAt)
	self.cache.Set(key, &entry, remaining)
	return entry.Value
}

func (self *CacheStore) InvalidateCachedData(key string) {
	self.cache.Delete(key)
	self.deleteDurable(key)
}

func (self *CacheStore) deleteDurable(key string) {
	if err := self.storage.Delete(self.ctx, storageKeyCachePrefix+key); err != nil {
		glog.Warningf("[cs]delete %s: %s\n", key, err)
	}
}

func (self *CacheStore) Close() {
	self.cancel()
}
