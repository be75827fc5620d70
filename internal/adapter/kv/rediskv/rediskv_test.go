package rediskv

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisWithClient(client, "test"), mr
}

// stores returns both implementations so shared semantics get asserted on
// each.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	r, _ := newTestRedis(t)
	return map[string]Store{
		"redis":  r,
		"memory": NewMemory(),
	}
}

func TestStoreStringOps(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, "k", "v", 0))
			v, ok, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "v", v)

			require.NoError(t, s.Del(ctx, "k"))
			_, ok, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreScanByPrefix(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Set(ctx, "cache:instances:a", "1", 0))
			require.NoError(t, s.Set(ctx, "cache:instances:b", "2", 0))
			require.NoError(t, s.Set(ctx, "cache:products:x", "3", 0))

			keys, err := s.Scan(ctx, "cache:instances:")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"cache:instances:a", "cache:instances:b"}, keys)
		})
	}
}

func TestStoreZSetOrdering(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.ZAdd(ctx, "z", 3, "c"))
			require.NoError(t, s.ZAdd(ctx, "z", 1, "a"))
			require.NoError(t, s.ZAdd(ctx, "z", 2, "b"))

			members, err := s.ZRangeWithScores(ctx, "z", 0, -1)
			require.NoError(t, err)
			require.Len(t, members, 3)
			assert.Equal(t, "a", members[0].Member)
			assert.Equal(t, "c", members[2].Member)

			n, err := s.ZCard(ctx, "z")
			require.NoError(t, err)
			assert.Equal(t, int64(3), n)

			require.NoError(t, s.ZRem(ctx, "z", "b"))
			n, err = s.ZCard(ctx, "z")
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			// Trim to the newest entry.
			require.NoError(t, s.ZRemRangeByRank(ctx, "z", 0, -2))
			members, err = s.ZRangeWithScores(ctx, "z", 0, -1)
			require.NoError(t, err)
			require.Len(t, members, 1)
			assert.Equal(t, "c", members[0].Member)
		})
	}
}

func TestStoreHashOps(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.HSet(ctx, "h", map[string]string{"f1": "v1", "f2": "v2"}))

			v, ok, err := s.HGet(ctx, "h", "f1")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "v1", v)

			all, err := s.HGetAll(ctx, "h")
			require.NoError(t, err)
			assert.Len(t, all, 2)

			require.NoError(t, s.HDel(ctx, "h", "f1"))
			_, ok, err = s.HGet(ctx, "h", "f1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreLocks(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := s.AcquireLock(ctx, "sync", "holder-1", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.AcquireLock(ctx, "sync", "holder-2", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "second holder must not steal the lock")

			// Wrong holder cannot release.
			released, err := s.ReleaseLock(ctx, "sync", "holder-2")
			require.NoError(t, err)
			assert.False(t, released)

			released, err = s.ReleaseLock(ctx, "sync", "holder-1")
			require.NoError(t, err)
			assert.True(t, released)

			ok, err = s.AcquireLock(ctx, "sync", "holder-2", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "short", "v", 10*time.Millisecond))

	_, ok, err := m.Get(ctx, "short")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok, err = m.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisExpiry(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)
	require.NoError(t, r.Set(ctx, "short", "v", time.Second))

	mr.FastForward(2 * time.Second)
	_, ok, err := r.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)
}

// countRoutine increments a counter atomically in both implementations.
var countRoutine = Routine{
	Name: "test_count",
	Lua: `
local n = tonumber(redis.call('GET', KEYS[1]) or '0') + 1
redis.call('SET', KEYS[1], tostring(n))
return n
`,
	Local: func(ctx context.Context, v View, keys []string, args []any) (any, error) {
		cur, _, err := v.Get(ctx, keys[0])
		if err != nil {
			return nil, err
		}
		n, _ := strconv.ParseInt(cur, 10, 64)
		n++
		if err := v.Set(ctx, keys[0], strconv.FormatInt(n, 10), 0); err != nil {
			return nil, err
		}
		return n, nil
	},
}

func TestEvalRunsOnBothImplementations(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for want := int64(1); want <= 3; want++ {
				res, err := s.Eval(ctx, countRoutine, []string{"counter"})
				require.NoError(t, err)
				assert.Equal(t, want, res)
			}
		})
	}
}

// brokenStore fails every call with a transient error.
type brokenStore struct{ Memory }

func (b *brokenStore) Get(context.Context, string) (string, bool, error) {
	return "", false, &Error{Kind: KindTransient, Op: "get", Err: context.DeadlineExceeded}
}

func (b *brokenStore) Ping(context.Context) error {
	return &Error{Kind: KindTransient, Op: "ping", Err: context.DeadlineExceeded}
}

func TestFailoverDowngradesAfterConsecutiveTransientFailures(t *testing.T) {
	ctx := context.Background()
	f := NewFailover(&brokenStore{}, 3)
	defer f.Close()

	assert.Equal(t, ModeRemote, f.Mode())
	for i := 0; i < 3; i++ {
		_, _, _ = f.Get(ctx, "k")
	}
	assert.Equal(t, ModeFallback, f.Mode())

	// Fallback serves reads and writes.
	require.NoError(t, f.Set(ctx, "k", "v", 0))
	v, ok, err := f.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestFailoverResetsCounterOnSuccess(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	f := NewFailover(NewRedisWithClient(client, "t"), 2)
	defer f.Close()

	require.NoError(t, f.Set(ctx, "a", "1", 0))
	assert.Equal(t, ModeRemote, f.Mode())
}

func TestErrorClassification(t *testing.T) {
	te := &Error{Kind: KindTransient, Op: "get", Err: context.DeadlineExceeded}
	pe := &Error{Kind: KindProtocol, Op: "get", Err: context.Canceled}

	assert.True(t, IsTransient(te))
	assert.False(t, IsTransient(pe))
	assert.True(t, IsProtocol(pe))
	assert.False(t, IsProtocol(te))
}
