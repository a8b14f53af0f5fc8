package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	sharedCache "github.com/davicafu/auctionlab/internal/shared/infra/platform/cache"
)

// RedisCache guarda las vistas de subasta en Redis como JSON bajo un prefijo propio.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisClient abre el cliente y comprueba la conexión.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (c *RedisCache) key(k string) string {
	return c.prefix + k
}

func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil // cache miss
		}
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		// Entrada corrupta: se descarta y cuenta como miss.
		_ = c.client.Del(ctx, c.key(key)).Err()
		return false, nil
	}
	return true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, val interface{}, ttlSecs int) error {
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(key), data, c.ttlFor(ttlSecs)).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}

// ---- Marcas de versión ----

// La marca vive en "<key>:fence". Los scripts hacen la comparación y la
// escritura de forma atómica en Redis.
var setIfNewerScript = redis.NewScript(`
local fence = redis.call('GET', KEYS[2])
if fence and tonumber(ARGV[2]) < tonumber(fence) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

var fenceScript = redis.NewScript(`
local fence = redis.call('GET', KEYS[2])
if not fence or tonumber(fence) < tonumber(ARGV[1]) then
	redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
else
	redis.call('PEXPIRE', KEYS[2], ARGV[2])
end
redis.call('DEL', KEYS[1])
return 1
`)

func (c *RedisCache) fenceKey(k string) string {
	return c.key(k) + ":fence"
}

func (c *RedisCache) ttlFor(ttlSecs int) time.Duration {
	if ttlSecs > 0 {
		return time.Duration(ttlSecs) * time.Second
	}
	return c.ttl
}

func (c *RedisCache) SetIfNewer(ctx context.Context, key string, val interface{}, version int64, ttlSecs int) (bool, error) {
	data, err := json.Marshal(val)
	if err != nil {
		return false, err
	}
	stored, err := setIfNewerScript.Run(ctx, c.client,
		[]string{c.key(key), c.fenceKey(key)},
		data, strconv.FormatInt(version, 10), c.ttlFor(ttlSecs).Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return stored == 1, nil
}

func (c *RedisCache) Fence(ctx context.Context, key string, version int64, ttlSecs int) error {
	return fenceScript.Run(ctx, c.client,
		[]string{c.key(key), c.fenceKey(key)},
		strconv.FormatInt(version, 10), c.ttlFor(ttlSecs).Milliseconds(),
	).Err()
}

var _ sharedCache.Cache = (*RedisCache)(nil)
