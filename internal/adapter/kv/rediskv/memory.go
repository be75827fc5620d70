package rediskv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is the in-process fallback Store. Semantics mirror the remote store
// but nothing is visible across processes; the adapter flags this through
// Mode so health output can report degraded persistence.
type Memory struct {
	mu   sync.Mutex
	core memCore
}

// NewMemory builds an empty in-process store.
func NewMemory() *Memory {
	return &Memory{core: memCore{
		strings: make(map[string]string),
		zsets:   make(map[string]map[string]float64),
		hashes:  make(map[string]map[string]string),
		expiry:  make(map[string]time.Time),
	}}
}

type memCore struct {
	strings map[string]string
	zsets   map[string]map[string]float64
	hashes  map[string]map[string]string
	expiry  map[string]time.Time
}

func (c *memCore) expired(key string) bool {
	exp, ok := c.expiry[key]
	if !ok {
		return false
	}
	if time.Now().Before(exp) {
		return false
	}
	delete(c.strings, key)
	delete(c.zsets, key)
	delete(c.hashes, key)
	delete(c.expiry, key)
	return true
}

func (c *memCore) get(key string) (string, bool) {
	if c.expired(key) {
		return "", false
	}
	v, ok := c.strings[key]
	return v, ok
}

func (c *memCore) set(key, value string, ttl time.Duration) {
	c.strings[key] = value
	if ttl > 0 {
		c.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(c.expiry, key)
	}
}

func (c *memCore) del(keys ...string) {
	for _, k := range keys {
		delete(c.strings, k)
		delete(c.zsets, k)
		delete(c.hashes, k)
		delete(c.expiry, k)
	}
}

func (c *memCore) scan(prefix string) []string {
	seen := make(map[string]struct{})
	for k := range c.strings {
		if strings.HasPrefix(k, prefix) && !c.expired(k) {
			seen[k] = struct{}{}
		}
	}
	for k := range c.zsets {
		if strings.HasPrefix(k, prefix) && !c.expired(k) {
			seen[k] = struct{}{}
		}
	}
	for k := range c.hashes {
		if strings.HasPrefix(k, prefix) && !c.expired(k) {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *memCore) zadd(key string, score float64, member string) {
	c.expired(key)
	z, ok := c.zsets[key]
	if !ok {
		z = make(map[string]float64)
		c.zsets[key] = z
	}
	z[member] = score
}

func (c *memCore) zrange(key string, start, stop int64) []ZMember {
	if c.expired(key) {
		return nil
	}
	z := c.zsets[key]
	members := make([]ZMember, 0, len(z))
	for m, s := range z {
		members = append(members, ZMember{Member: m, Score: s})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Member < members[j].Member
	})
	n := int64(len(members))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil
	}
	return members[start : stop+1]
}

func (c *memCore) zrem(key string, members ...string) {
	z := c.zsets[key]
	for _, m := range members {
		delete(z, m)
	}
}

func (c *memCore) hset(key string, fields map[string]string) {
	c.expired(key)
	h, ok := c.hashes[key]
	if !ok {
		h = make(map[string]string)
		c.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = v
	}
}

// memView implements View without locking; Eval holds the Memory mutex while
// routine locals run against it.
type memView struct{ core *memCore }

func (v memView) Get(_ context.Context, key string) (string, bool, error) {
	val, ok := v.core.get(key)
	return val, ok, nil
}

func (v memView) Set(_ context.Context, key, value string, ttl time.Duration) error {
	v.core.set(key, value, ttl)
	return nil
}

func (v memView) Del(_ context.Context, keys ...string) error {
	v.core.del(keys...)
	return nil
}

func (v memView) Scan(_ context.Context, prefix string) ([]string, error) {
	return v.core.scan(prefix), nil
}

func (v memView) ZAdd(_ context.Context, key string, score float64, member string) error {
	v.core.zadd(key, score, member)
	return nil
}

func (v memView) ZRangeWithScores(_ context.Context, key string, start, stop int64) ([]ZMember, error) {
	return v.core.zrange(key, start, stop), nil
}

func (v memView) ZRem(_ context.Context, key string, members ...string) error {
	v.core.zrem(key, members...)
	return nil
}

func (v memView) ZCard(_ context.Context, key string) (int64, error) {
	if v.core.expired(key) {
		return 0, nil
	}
	return int64(len(v.core.zsets[key])), nil
}

func (v memView) ZRemRangeByRank(_ context.Context, key string, start, stop int64) error {
	doomed := v.core.zrange(key, start, stop)
	for _, m := range doomed {
		v.core.zrem(key, m.Member)
	}
	return nil
}

func (v memView) HSet(_ context.Context, key string, fields map[string]string) error {
	v.core.hset(key, fields)
	return nil
}

func (v memView) HGet(_ context.Context, key, field string) (string, bool, error) {
	if v.core.expired(key) {
		return "", false, nil
	}
	val, ok := v.core.hashes[key][field]
	return val, ok, nil
}

func (v memView) HGetAll(_ context.Context, key string) (map[string]string, error) {
	if v.core.expired(key) {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(v.core.hashes[key]))
	for f, val := range v.core.hashes[key] {
		out[f] = val
	}
	return out, nil
}

func (v memView) HDel(_ context.Context, key string, fields ...string) error {
	h := v.core.hashes[key]
	for _, f := range fields {
		delete(h, f)
	}
	return nil
}

func (v memView) Expire(_ context.Context, key string, ttl time.Duration) error {
	v.core.expiry[key] = time.Now().Add(ttl)
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memView{&m.core}.Get(ctx, key)
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memView{&m.core}.Set(ctx, key, value, ttl)
}

func (m *Memory) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memView{&m.core}.Del(ctx, keys...)
}

func (m *Memory) Scan(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memView{&m.core}.Scan(ctx, prefix)
}

func (m *Memory) ZAdd(ctx context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memView{&m.core}.ZAdd(ctx, key, score, member)
}

func (m *Memory) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memView{&m.core}.ZRangeWithScores(ctx, key, start, stop)
}

func (m *Memory) ZRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memView{&m.core}.ZRem(ctx, key, members...)
}

func (m *Memory) ZCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memView{&m.core}.ZCard(ctx, key)
}

func (m *Memory) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memView{&m.core}.ZRemRangeByRank(ctx, key, start, stop)
}

func (m *Memory) HSet(ctx context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memView{&m.core}.HSet(ctx, key, fields)
}

func (m *Memory) HGet(ctx context.Context, key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memView{&m.core}.HGet(ctx, key, field)
}

func (m *Memory) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memView{&m.core}.HGetAll(ctx, key)
}

func (m *Memory) HDel(ctx context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memView{&m.core}.HDel(ctx, key, fields...)
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memView{&m.core}.Expire(ctx, key, ttl)
}

// Eval runs the routine's Local function while holding the store lock.
func (m *Memory) Eval(ctx context.Context, r Routine, keys []string, args ...any) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Local == nil {
		return nil, &Error{Kind: KindProtocol, Op: "eval:" + r.Name, Err: errNoLocal}
	}
	return r.Local(ctx, memView{&m.core}, keys, args)
}

func (m *Memory) AcquireLock(_ context.Context, name, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := "lock:" + name
	if _, held := m.core.get(key); held {
		return false, nil
	}
	m.core.set(key, holder, ttl)
	return true, nil
}

func (m *Memory) ReleaseLock(ctx context.Context, name, holder string) (bool, error) {
	res, err := m.Eval(ctx, releaseLockRoutine, []string{"lock:" + name}, holder)
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Mode() Mode { return ModeFallback }
