package store

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, st Store) {
	ctx := context.Background()
	a, b := uuid.NewString(), uuid.NewString()

	_, ok, err := st.Get(ctx, a, "csrf")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.Set(ctx, a, "csrf", "token-a"))
	require.NoError(t, st.Set(ctx, a, "pkce", "verifier-a"))
	require.NoError(t, st.Set(ctx, b, "csrf", "token-b"))

	v, ok, err := st.Get(ctx, a, "csrf")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "token-a", v)

	v, _, _ = st.Get(ctx, b, "csrf")
	assert.Equal(t, "token-b", v, "handles must not share values")

	require.NoError(t, st.Set(ctx, a, "csrf", "token-a2"))
	v, _, _ = st.Get(ctx, a, "csrf")
	assert.Equal(t, "token-a2", v)

	require.NoError(t, st.Delete(ctx, a, "csrf"))
	_, ok, _ = st.Get(ctx, a, "csrf")
	assert.False(t, ok)
	_, ok, _ = st.Get(ctx, a, "pkce")
	assert.True(t, ok)

	require.NoError(t, st.Set(ctx, a, "csrf", "token-a3"))
	v, found, taken, err := st.TakeIf(ctx, a, "csrf", func(v string) bool { return v == "other" })
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, taken)
	assert.Equal(t, "token-a3", v)
	_, ok, _ = st.Get(ctx, a, "csrf")
	assert.True(t, ok, "rejected take must keep the value")

	v, found, taken, err = st.TakeIf(ctx, a, "csrf", func(v string) bool { return v == "token-a3" })
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, taken)
	assert.Equal(t, "token-a3", v)
	_, found, _, err = st.TakeIf(ctx, a, "csrf", func(string) bool { return true })
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, st.DeleteAll(ctx, a))
	_, ok, _ = st.Get(ctx, a, "pkce")
	assert.False(t, ok)
	_, ok, _ = st.Get(ctx, b, "csrf")
	assert.True(t, ok)
}

func TestMemoryStore(t *testing.T) {
	st := NewMemory(time.Minute)
	defer st.Close()
	exerciseStore(t, st)
}

func exerciseConcurrentTake(t *testing.T, st Store) {
	ctx := context.Background()
	handle := uuid.NewString()
	require.NoError(t, st.Set(ctx, handle, "csrf", "once"))

	var (
		wg    sync.WaitGroup
		taken atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, ok, err := st.TakeIf(ctx, handle, "csrf", func(v string) bool { return v == "once" })
			if err != nil {
				t.Errorf("TakeIf: %v", err)
				return
			}
			if ok {
				taken.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), taken.Load(), "a value must be taken exactly once")
}

func TestMemoryStoreConcurrentTake(t *testing.T) {
	st := NewMemory(time.Minute)
	defer st.Close()
	exerciseConcurrentTake(t, st)
}

func TestMemoryStoreExpires(t *testing.T) {
	st := NewMemory(20 * time.Millisecond)
	defer st.Close()
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "h", "csrf", "v"))
	time.Sleep(40 * time.Millisecond)
	_, ok, err := st.Get(ctx, "h", "csrf")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScopedSession(t *testing.T) {
	st := NewMemory(time.Minute)
	ctx := context.Background()
	s := Scope(st, "handle-1")

	require.NoError(t, s.Set(ctx, "k", "v"))
	v, ok, err := st.Get(ctx, "handle-1", "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	assert.Equal(t, "handle-1", s.Handle())
}

func TestOpenDrivers(t *testing.T) {
	st, err := Open(context.Background(), Config{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, st)

	_, err = Open(context.Background(), Config{Driver: "redis"})
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{Driver: "etcd"})
	assert.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("OAUTH2GATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("OAUTH2GATE_TEST_REDIS_ADDR not set")
	}
	st, err := Open(context.Background(), Config{Driver: "redis", RedisAddr: addr, Prefix: "oauth2gate-test"})
	require.NoError(t, err)
	defer st.Close()
	exerciseStore(t, st)
	exerciseConcurrentTake(t, st)
}
