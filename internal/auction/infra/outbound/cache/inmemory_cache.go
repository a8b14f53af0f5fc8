package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	sharedCache "github.com/davicafu/auctionlab/internal/shared/infra/platform/cache"
)

// cacheItem guarda el valor y el tiempo de expiración.
type cacheItem struct {
	value     []byte // Guardamos los bytes para simular la serialización, igual que Redis.
	expiresAt time.Time
}

// fence es la marca que deja una mutación sobre una key.
type fence struct {
	version   int64
	expiresAt time.Time
}

// InMemoryCache es el fallback cuando no hay Redis. Tiene un tope de entradas:
// al llenarse descarta primero las expiradas y, si no basta, una cualquiera.
type InMemoryCache struct {
	store      map[string]cacheItem
	fences     map[string]fence
	mu         sync.RWMutex
	defaultTTL time.Duration
	maxEntries int
	now        func() time.Time
	stopChan   chan struct{}
	stopOnce   sync.Once
}

var _ sharedCache.Cache = (*InMemoryCache)(nil)

// NewInMemoryCache crea la caché e inicia la limpieza periódica de expirados.
func NewInMemoryCache(defaultTTL, cleanupInterval time.Duration, maxEntries int) *InMemoryCache {
	c := &InMemoryCache{
		store:      make(map[string]cacheItem),
		fences:     make(map[string]fence),
		defaultTTL: defaultTTL,
		maxEntries: maxEntries,
		now:        time.Now,
		stopChan:   make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.cleanupLoop(cleanupInterval)
	}
	return c
}

func (c *InMemoryCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	c.mu.RLock()
	item, ok := c.store[key]
	c.mu.RUnlock()

	if !ok || c.now().After(item.expiresAt) {
		return false, nil
	}
	if err := json.Unmarshal(item.value, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *InMemoryCache) Set(ctx context.Context, key string, val interface{}, ttlSecs int) error {
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, data, ttlSecs)
	return nil
}

func (c *InMemoryCache) ttlFor(ttlSecs int) time.Duration {
	if ttlSecs > 0 {
		return time.Duration(ttlSecs) * time.Second
	}
	return c.defaultTTL
}

func (c *InMemoryCache) putLocked(key string, data []byte, ttlSecs int) {
	if _, exists := c.store[key]; !exists && c.maxEntries > 0 && len(c.store) >= c.maxEntries {
		c.evictLocked()
	}
	c.store[key] = cacheItem{value: data, expiresAt: c.now().Add(c.ttlFor(ttlSecs))}
}

func (c *InMemoryCache) SetIfNewer(ctx context.Context, key string, val interface{}, version int64, ttlSecs int) (bool, error) {
	data, err := json.Marshal(val)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.fences[key]; ok && c.now().Before(f.expiresAt) && version < f.version {
		return false, nil
	}
	c.putLocked(key, data, ttlSecs)
	return true, nil
}

func (c *InMemoryCache) Fence(ctx context.Context, key string, version int64, ttlSecs int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttlFor(ttlSecs))
	if f, ok := c.fences[key]; ok && c.now().Before(f.expiresAt) && f.version > version {
		version = f.version
	}
	c.fences[key] = fence{version: version, expiresAt: expiresAt}
	delete(c.store, key)
	return nil
}

func (c *InMemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, key)
	return nil
}

func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

// Stop detiene la goroutine de limpieza. Se puede llamar más de una vez.
func (c *InMemoryCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *InMemoryCache) evictLocked() {
	now := c.now()
	for key, item := range c.store {
		if now.After(item.expiresAt) {
			delete(c.store, key)
		}
	}
	if len(c.store) < c.maxEntries {
		return
	}
	for key := range c.store {
		delete(c.store, key)
		return
	}
}

func (c *InMemoryCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			now := c.now()
			for key, item := range c.store {
				if now.After(item.expiresAt) {
					delete(c.store, key)
				}
			}
			for key, f := range c.fences {
				if now.After(f.expiresAt) {
					delete(c.fences, key)
				}
			}
			c.mu.Unlock()
		case <-c.stopChan:
			return
		}
	}
}
