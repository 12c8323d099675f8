// Package kvstore adapts a Redis-like key/value backend to the narrow, typed
// surface the rest of memoryd depends on. It follows the same shape as the
// teacher's internal/skills/redis_cache.go: a thin wrapper over
// github.com/redis/go-redis/v9 that never panics and reports failures as
// plain errors so callers can degrade gracefully (spec.md section 7).
package kvstore

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"memoryd/internal/config"
)

// Store is the typed KV surface used by C7 (short-term memory), C9 (profile
// service) and C10 (long-term memory's profile side-channel).
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetEX(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	LPush(ctx context.Context, key string, value string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, values map[string]string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
}

// RedisStore is the production Store backed by a real Redis (or
// Redis-protocol-compatible) server.
type RedisStore struct {
	client redis.UniversalClient
}

// New builds a RedisStore from config.RedisConfig. It does not block on
// connectivity; callers should call Ping if they need an early health check.
func New(cfg config.RedisConfig) *RedisStore {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if tlsEnabled := false; tlsEnabled {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &RedisStore{client: redis.NewClient(opts)}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		log.Debug().Err(err).Str("key", key).Msg("kvstore_get_error")
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) SetEX(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("kvstore_setex_error")
		return err
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		log.Debug().Err(err).Strs("keys", keys).Msg("kvstore_del_error")
		return err
	}
	return nil
}

func (s *RedisStore) LPush(ctx context.Context, key string, value string) error {
	if err := s.client.LPush(ctx, key, value).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("kvstore_lpush_error")
		return err
	}
	return nil
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := s.client.LTrim(ctx, key, start, stop).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("kvstore_ltrim_error")
		return err
	}
	return nil
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("kvstore_lrange_error")
		return nil, err
	}
	return vals, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("kvstore_expire_error")
		return err
	}
	return nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("kvstore_hgetall_error")
		return nil, err
	}
	return vals, nil
}

func (s *RedisStore) HSet(ctx context.Context, key string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]string, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k, v)
	}
	if err := s.client.HSet(ctx, key, args).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("kvstore_hset_error")
		return err
	}
	return nil
}

// Keys is used only for maintenance scans (spec.md section 4.1); it issues a
// non-blocking SCAN rather than the O(N) KEYS command.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		log.Debug().Err(err).Str("pattern", pattern).Msg("kvstore_scan_error")
		return out, err
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
