package memtable

import (
	"container/list"
	"sync"

	internaltelemetry "github.com/sushant-115/gojodoc/internal/telemetry"
	"go.uber.org/zap"
)

// FlushFunc persists a dirty value before its cache slot is reused.
type FlushFunc[K comparable, V any] func(key K, value V) error

type cacheEntry[K comparable, V any] struct {
	key      K
	value    V
	pins     int
	dirty    bool
	version  uint64
	flushing bool
	// elem is nil while the entry is pinned or being flushed.
	elem *list.Element
}

// Cache is a bounded LRU map with pinning and dirty tracking. Pinned
// entries sit outside the LRU list and can never be chosen for eviction.
// Evicting a dirty entry calls the flush callback synchronously; the list
// mutex is released for the duration of that call.
type Cache[K comparable, V any] struct {
	maxCount int
	flush    FlushFunc[K, V]

	index sync.Map // K -> *cacheEntry[K, V]

	mu   sync.Mutex
	lru  *list.List // front is most recently used
	size int

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// NewCache returns a cache holding at most maxCount entries. A maxCount of
// zero disables caching: every insert fails as backpressure.
func NewCache[K comparable, V any](maxCount int, flush FlushFunc[K, V], logger *zap.Logger,
	metrics *internaltelemetry.StorageMetrics) *Cache[K, V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxCount < 0 {
		maxCount = 0
	}
	return &Cache[K, V]{
		maxCount: maxCount,
		flush:    flush,
		lru:      list.New(),
		logger:   logger.With(zap.String("component", "cache")),
		metrics:  metrics,
	}
}

func (c *Cache[K, V]) lookup(key K) (*cacheEntry[K, V], bool) {
	v, ok := c.index.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*cacheEntry[K, V]), true
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// MaxCount returns the capacity.
func (c *Cache[K, V]) MaxCount() int { return c.maxCount }

// TryCache inserts or overwrites key. It returns false when the cache is
// full and every entry is pinned.
func (c *Cache[K, V]) TryCache(key K, value V) bool {
	_, ok := c.insert(key, value, false, false)
	return ok
}

// TryCacheWithPin is TryCache followed by Pin, atomically.
func (c *Cache[K, V]) TryCacheWithPin(key K, value V) bool {
	_, ok := c.insert(key, value, true, false)
	return ok
}

// LoadOrCacheWithPin pins and returns the cached value for key when there is
// one; otherwise it caches value pinned. ok is false on backpressure, in
// which case value is returned uncached.
func (c *Cache[K, V]) LoadOrCacheWithPin(key K, value V) (actual V, ok bool) {
	return c.insert(key, value, true, true)
}

func (c *Cache[K, V]) insert(key K, value V, pin, keep bool) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing := func(e *cacheEntry[K, V]) (V, bool) {
		if !keep {
			e.value = value
			e.version++
		}
		if pin {
			c.pinLocked(e)
		} else if e.elem != nil {
			c.lru.MoveToFront(e.elem)
		}
		return e.value, true
	}

	if e, ok := c.lookup(key); ok {
		return existing(e)
	}
	for c.size >= c.maxCount {
		if !c.evictOneLocked() {
			c.metrics.CacheBackpressure()
			return value, false
		}
		// another goroutine may have cached key while the lock was released
		if e, ok := c.lookup(key); ok {
			return existing(e)
		}
	}

	e := &cacheEntry[K, V]{key: key, value: value}
	if pin {
		e.pins = 1
	} else {
		e.elem = c.lru.PushFront(e)
	}
	c.index.Store(key, e)
	c.size++
	return value, true
}

// evictOneLocked frees one slot. It reports false when nothing is evictable.
// Called with c.mu held; may release and reacquire it around a flush.
func (c *Cache[K, V]) evictOneLocked() bool {
	for {
		back := c.lru.Back()
		if back == nil {
			return false
		}
		e := back.Value.(*cacheEntry[K, V])
		c.lru.Remove(back)
		e.elem = nil

		if e.dirty && c.flush != nil {
			e.flushing = true
			version := e.version
			c.mu.Unlock()
			err := c.flush(e.key, e.value)
			c.mu.Lock()
			e.flushing = false

			if cur, ok := c.lookup(e.key); !ok || cur != e {
				// popped while flushing
				return true
			}
			if err != nil {
				c.logger.Error("flush of evicted entry failed", zap.Any("key", e.key), zap.Error(err))
				if e.pins == 0 {
					e.elem = c.lru.PushFront(e)
				}
				return false
			}
			if e.version == version {
				e.dirty = false
			}
			if e.pins > 0 {
				// pinned while flushing; it stays cached
				continue
			}
			if e.dirty {
				e.elem = c.lru.PushFront(e)
				continue
			}
		}

		c.index.Delete(e.key)
		c.size--
		c.metrics.CacheEviction()
		return true
	}
}

// TryGet returns the value for key and marks it most recently used.
func (c *Cache[K, V]) TryGet(key K) (V, bool) {
	var zero V
	e, ok := c.lookup(key)
	if !ok {
		c.metrics.CacheMiss()
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.lookup(key); !ok || cur != e {
		c.metrics.CacheMiss()
		return zero, false
	}
	if e.elem != nil {
		c.lru.MoveToFront(e.elem)
	}
	c.metrics.CacheHit()
	return e.value, true
}

// TryGetWithPin returns the value for key and pins it.
func (c *Cache[K, V]) TryGetWithPin(key K) (V, bool) {
	var zero V
	e, ok := c.lookup(key)
	if !ok {
		c.metrics.CacheMiss()
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.lookup(key); !ok || cur != e {
		c.metrics.CacheMiss()
		return zero, false
	}
	c.pinLocked(e)
	c.metrics.CacheHit()
	return e.value, true
}

func (c *Cache[K, V]) pinLocked(e *cacheEntry[K, V]) {
	e.pins++
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
}

// Pin exempts key from eviction until a matching Release.
func (c *Cache[K, V]) Pin(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok {
		return false
	}
	c.pinLocked(e)
	return true
}

// Release drops one pin. The entry rejoins the LRU list at the most
// recently used end when its last pin goes.
func (c *Cache[K, V]) Release(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok || e.pins == 0 {
		return false
	}
	e.pins--
	if e.pins == 0 && !e.flushing {
		e.elem = c.lru.PushFront(e)
	}
	return true
}

// MarkDirty flags key as needing a flush before eviction.
func (c *Cache[K, V]) MarkDirty(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok {
		return false
	}
	e.dirty = true
	e.version++
	return true
}

// MarkClean clears the dirty flag of key.
func (c *Cache[K, V]) MarkClean(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok {
		return false
	}
	e.dirty = false
	return true
}

// IsDirty reports whether key is cached and dirty.
func (c *Cache[K, V]) IsDirty(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	return ok && e.dirty
}

// PinCount returns the number of outstanding pins on key.
func (c *Cache[K, V]) PinCount(key K) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.lookup(key); ok {
		return e.pins
	}
	return 0
}

// Pop removes key without flushing it, regardless of pins.
func (c *Cache[K, V]) Pop(key K) (V, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok {
		return zero, false
	}
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	c.index.Delete(key)
	c.size--
	return e.value, true
}

// Keys returns the cached keys from most to least recently used, pinned
// entries last.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]K, 0, c.size)
	for el := c.lru.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*cacheEntry[K, V]).key)
	}
	c.index.Range(func(k, v any) bool {
		if v.(*cacheEntry[K, V]).elem == nil {
			keys = append(keys, k.(K))
		}
		return true
	})
	return keys
}
