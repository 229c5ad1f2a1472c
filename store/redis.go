package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	rdb "github.com/redis/go-redis/v9"
)

// Redis shares pending authorizations across gateway replicas. Values live in one hash per
// handle, expiring TTL after the last write.
type Redis struct {
	c      *rdb.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg Config) (*Redis, error) {
	c := rdb.NewClient(&rdb.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB, Password: cfg.Password})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "oauth2gate"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{c: c, prefix: prefix, ttl: ttl}, nil
}

func (r *Redis) key(handle string) string { return r.prefix + ":session:" + handle }

func (r *Redis) Get(ctx context.Context, handle, key string) (string, bool, error) {
	v, err := r.c.HGet(ctx, r.key(handle), key).Result()
	if errors.Is(err, rdb.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis hget: %w", err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, handle, key, value string) error {
	k := r.key(handle)
	_, err := r.c.TxPipelined(ctx, func(p rdb.Pipeliner) error {
		p.HSet(ctx, k, key, value)
		p.Expire(ctx, k, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, handle, key string) error {
	if err := r.c.HDel(ctx, r.key(handle), key).Err(); err != nil {
		return fmt.Errorf("redis hdel: %w", err)
	}
	return nil
}

// maxTakeAttempts bounds optimistic retries when another writer touches the hash mid-take.
const maxTakeAttempts = 5

// ErrContended is returned when TakeIf keeps losing its WATCH to concurrent writers.
var ErrContended = errors.New("session value contended")

func (r *Redis) TakeIf(ctx context.Context, handle, key string, match func(string) bool) (string, bool, bool, error) {
	k := r.key(handle)
	var (
		value        string
		found, taken bool
	)
	txf := func(tx *rdb.Tx) error {
		value, found, taken = "", false, false
		v, err := tx.HGet(ctx, k, key).Result()
		if errors.Is(err, rdb.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		value, found = v, true
		if !match(v) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p rdb.Pipeliner) error {
			p.HDel(ctx, k, key)
			return nil
		})
		if err == nil {
			taken = true
		}
		return err
	}

	for i := 0; i < maxTakeAttempts; i++ {
		err := r.c.Watch(ctx, txf, k)
		if errors.Is(err, rdb.TxFailedErr) {
			continue
		}
		if err != nil {
			return "", false, false, fmt.Errorf("redis take: %w", err)
		}
		return value, found, taken, nil
	}
	return "", false, false, ErrContended
}

func (r *Redis) DeleteAll(ctx context.Context, handle string) error {
	if err := r.c.Del(ctx, r.key(handle)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *Redis) Close() error { return r.c.Close() }
