package cache

import (
	"context"
	"math"
)

// Tombstone es la versión de la marca que deja un borrado: ninguna versión la supera.
const Tombstone int64 = math.MaxInt64

// Cache define la interfaz para una caché de clave-valor genérica.
type Cache interface {
	// Get intenta poblar 'dest' (que debe ser un puntero) con el valor asociado a la 'key'.
	// Devuelve (true, nil) si hay un 'hit' y 'dest' fue rellenado.
	// Devuelve (false, nil) si es un 'miss'.
	Get(ctx context.Context, key string, dest interface{}) (bool, error)

	// Set serializa y guarda el valor con un TTL (Time To Live) en segundos.
	Set(ctx context.Context, key string, val interface{}, ttlSecs int) error

	// Delete elimina la 'key' de la caché.
	Delete(ctx context.Context, key string) error

	// SetIfNewer guarda val, leído en la versión version, salvo que una marca
	// de Fence posterior tenga una versión mayor. Devuelve si lo guardó.
	SetIfNewer(ctx context.Context, key string, val interface{}, version int64, ttlSecs int) (bool, error)

	// Fence elimina la 'key' y, durante ttlSecs, hace que SetIfNewer rechace
	// versiones menores que version.
	Fence(ctx context.Context, key string, version int64, ttlSecs int) error
}
