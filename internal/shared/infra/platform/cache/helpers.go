package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// opTimeout acota cada operación de caché: una caché lenta no debe frenar la petición.
const opTimeout = 200 * time.Millisecond

// SetQuietly guarda el valor leído en version y solo registra el error: la caché es opcional.
// Si una mutación posterior ya marcó la key, el valor se descarta.
func SetQuietly(ctx context.Context, cache Cache, key string, value interface{}, version int64, ttl int, log *zap.Logger) {
	if cache == nil {
		return
	}
	cacheCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opTimeout)
	defer cancel()

	stored, err := cache.SetIfNewer(cacheCtx, key, value, version, ttl)
	if err != nil {
		log.Warn("Cache update failed",
			zap.String("key", key),
			zap.Error(err))
		return
	}
	if !stored {
		log.Debug("Stale cache fill discarded", zap.String("key", key), zap.Int64("version", version))
	}
}

// Invalidate elimina la key y deja una marca con version de forma síncrona, antes
// de responder al cliente. Una lectura anterior que llegue tarde no podrá
// repoblarla con una versión menor. Para borrados se usa Tombstone.
func Invalidate(ctx context.Context, cache Cache, key string, version int64, ttl int, log *zap.Logger) {
	if cache == nil {
		return
	}
	cacheCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opTimeout)
	defer cancel()

	if err := cache.Fence(cacheCtx, key, version, ttl); err != nil {
		log.Warn("Cache deletion failed",
			zap.String("key", key),
			zap.Error(err))
	}
}
