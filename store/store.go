// Package store keeps short-lived per-visitor values, such as the CSRF token and PKCE verifier,
// keyed by an opaque session handle.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTTL bounds how long an unfinished authorization may stay pending.
const DefaultTTL = 10 * time.Minute

// Store is a handle-scoped key/value store.
type Store interface {
	Get(ctx context.Context, handle, key string) (string, bool, error)
	Set(ctx context.Context, handle, key, value string) error
	Delete(ctx context.Context, handle, key string) error
	// TakeIf reads key and deletes it in the same atomic step when match accepts the value.
	// Concurrent callers never both observe an accepted value.
	TakeIf(ctx context.Context, handle, key string, match func(string) bool) (value string, found, taken bool, err error)
	// DeleteAll drops every value held for handle.
	DeleteAll(ctx context.Context, handle string) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver    string        `yaml:"driver"`
	TTL       time.Duration `yaml:"ttl"`
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
	Password  string        `yaml:"redis_password"`
	Prefix    string        `yaml:"redis_prefix"`
}

// Open builds the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(cfg.TTL), nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, errors.New("session_store.redis_addr required for redis driver")
		}
		return NewRedis(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported session store driver %q", cfg.Driver)
	}
}

// Scoped is the slice of a Store belonging to one handle.
type Scoped struct {
	store  Store
	handle string
}

// Scope binds st to handle.
func Scope(st Store, handle string) *Scoped {
	return &Scoped{store: st, handle: handle}
}

func (s *Scoped) Get(ctx context.Context, key string) (string, bool, error) {
	return s.store.Get(ctx, s.handle, key)
}

func (s *Scoped) Set(ctx context.Context, key, value string) error {
	return s.store.Set(ctx, s.handle, key, value)
}

func (s *Scoped) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, s.handle, key)
}

func (s *Scoped) TakeIf(ctx context.Context, key string, match func(string) bool) (string, bool, bool, error) {
	return s.store.TakeIf(ctx, s.handle, key, match)
}

// Handle returns the session handle this scope is bound to.
func (s *Scoped) Handle() string { return s.handle }
