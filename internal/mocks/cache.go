package mocks

import (
	"context"
	"encoding/json"
	"sync"

	sharedCache "github.com/davicafu/auctionlab/internal/shared/infra/platform/cache"
)

// DummyCache es un mock de caché en memoria, genérico y seguro para concurrencia.
// El valor cero es usable. Cuenta los hits para que los tests puedan comprobar el cache-aside.
// Las marcas de Fence no caducan.
type DummyCache struct {
	store  map[string][]byte
	fences map[string]int64
	mu     sync.RWMutex
	Hits   int
}

// Verificación estática para asegurar que implementa la interfaz compartida.
var _ sharedCache.Cache = (*DummyCache)(nil)

func NewDummyCache() *DummyCache {
	return &DummyCache{
		store: make(map[string][]byte),
	}
}

func (c *DummyCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, ok := c.store[key]
	if !ok {
		return false, nil // Cache miss
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, err
	}
	c.Hits++
	return true, nil
}

func (c *DummyCache) Set(ctx context.Context, key string, val interface{}, ttlSecs int) error {
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, data)
	return nil
}

func (c *DummyCache) putLocked(key string, data []byte) {
	if c.store == nil {
		c.store = make(map[string][]byte)
	}
	c.store[key] = data
}

func (c *DummyCache) SetIfNewer(ctx context.Context, key string, val interface{}, version int64, ttlSecs int) (bool, error) {
	data, err := json.Marshal(val)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.fences[key]; ok && version < f {
		return false, nil
	}
	c.putLocked(key, data)
	return true, nil
}

func (c *DummyCache) Fence(ctx context.Context, key string, version int64, ttlSecs int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fences == nil {
		c.fences = make(map[string]int64)
	}
	if version > c.fences[key] {
		c.fences[key] = version
	}
	delete(c.store, key)
	return nil
}

func (c *DummyCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, key)
	return nil
}

func (c *DummyCache) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.store[key]
	return ok
}
