// pkg/settings/redis.go
package settings

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding every setting as a field.
const DefaultRedisKey = "percipio:settings"

type redisStore struct {
	rdb *redis.Client
	key string
}

// NewRedisStore stores settings as fields of a single hash. An empty key uses
// DefaultRedisKey.
func NewRedisStore(rdb *redis.Client, key string) Store {
	if key == "" {
		key = DefaultRedisKey
	}
	return &redisStore{rdb: rdb, key: key}
}

func (r *redisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.HGet(ctx, r.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (r *redisStore) GetMany(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := r.rdb.HMGet(ctx, r.key, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	return out, nil
}

func (r *redisStore) Set(ctx context.Context, key, value string) error {
	return r.rdb.HSet(ctx, r.key, key, value).Err()
}

// SetMany writes all fields with a single HSET, which Redis applies atomically.
func (r *redisStore) SetMany(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(values))
	for k, v := range values {
		fields[k] = v
	}
	return r.rdb.HSet(ctx, r.key, fields).Err()
}

func (r *redisStore) All(ctx context.Context) (map[string]string, error) {
	return r.rdb.HGetAll(ctx, r.key).Result()
}
