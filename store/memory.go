package store

import (
	"context"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory keeps values in process. Entries expire after the configured TTL. Writers hold mu so
// TakeIf cannot interleave with a rebind.
type Memory struct {
	mu  sync.Mutex
	c   *gocache.Cache
	ttl time.Duration
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{c: gocache.New(ttl, time.Minute), ttl: ttl}
}

func memKey(handle, key string) string { return handle + "\x00" + key }

func (m *Memory) Get(_ context.Context, handle, key string) (string, bool, error) {
	v, ok := m.c.Get(memKey(handle, key))
	if !ok {
		return "", false, nil
	}
	s, _ := v.(string)
	return s, true, nil
}

func (m *Memory) Set(_ context.Context, handle, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.Set(memKey(handle, key), value, m.ttl)
	return nil
}

func (m *Memory) Delete(_ context.Context, handle, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.Delete(memKey(handle, key))
	return nil
}

func (m *Memory) TakeIf(_ context.Context, handle, key string, match func(string) bool) (string, bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(handle, key)
	v, ok := m.c.Get(k)
	if !ok {
		return "", false, false, nil
	}
	s, _ := v.(string)
	if !match(s) {
		return s, true, false, nil
	}
	m.c.Delete(k)
	return s, true, true, nil
}

func (m *Memory) DeleteAll(_ context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := handle + "\x00"
	for k := range m.c.Items() {
		if strings.HasPrefix(k, prefix) {
			m.c.Delete(k)
		}
	}
	return nil
}

func (m *Memory) Close() error {
	m.c.Flush()
	return nil
}
