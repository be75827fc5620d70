package rediskv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the remote Store implementation over go-redis. All keys are
// namespaced under a configurable prefix.
type Redis struct {
	client *redis.Client
	prefix string

	mu      sync.Mutex
	scripts map[string]*redis.Script
}

// NewRedis builds a remote store from a Redis URL.
func NewRedis(redisURL, prefix string) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=rediskv.NewRedis: %w", err)
	}
	return &Redis{
		client:  redis.NewClient(opt),
		prefix:  prefix,
		scripts: make(map[string]*redis.Script),
	}, nil
}

// NewRedisWithClient wraps an existing client (tests use miniredis here).
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix, scripts: make(map[string]*redis.Script)}
}

func (r *Redis) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

func (r *Redis) stripPrefix(k string) string {
	if r.prefix == "" {
		return k
	}
	return k[len(r.prefix)+1:]
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify("get", key, err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return classify("set", key, err)
	}
	return nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return classify("del", keys[0], err)
	}
	return nil
}

func (r *Redis) Scan(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	var cursor uint64
	match := r.key(prefix) + "*"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return nil, classify("scan", prefix, err)
		}
		for _, k := range keys {
			out = append(out, r.stripPrefix(k))
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return out, nil
}

func (r *Redis) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := r.client.ZAdd(ctx, r.key(key), redis.Z{Score: score, Member: member}).Err(); err != nil {
		return classify("zadd", key, err)
	}
	return nil
}

func (r *Redis) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	zs, err := r.client.ZRangeWithScores(ctx, r.key(key), start, stop).Result()
	if err != nil {
		return nil, classify("zrange", key, err)
	}
	out := make([]ZMember, 0, len(zs))
	for _, z := range zs {
		m, _ := z.Member.(string)
		out = append(out, ZMember{Member: m, Score: z.Score})
	}
	return out, nil
}

func (r *Redis) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.ZRem(ctx, r.key(key), args...).Err(); err != nil {
		return classify("zrem", key, err)
	}
	return nil
}

func (r *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.ZCard(ctx, r.key(key)).Result()
	if err != nil {
		return 0, classify("zcard", key, err)
	}
	return n, nil
}

func (r *Redis) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	if err := r.client.ZRemRangeByRank(ctx, r.key(key), start, stop).Err(); err != nil {
		return classify("zremrangebyrank", key, err)
	}
	return nil
}

func (r *Redis) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	if err := r.client.HSet(ctx, r.key(key), args...).Err(); err != nil {
		return classify("hset", key, err)
	}
	return nil
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := r.client.HGet(ctx, r.key(key), field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify("hget", key, err)
	}
	return v, true, nil
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.client.HGetAll(ctx, r.key(key)).Result()
	if err != nil {
		return nil, classify("hgetall", key, err)
	}
	return m, nil
}

func (r *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	if err := r.client.HDel(ctx, r.key(key), fields...).Err(); err != nil {
		return classify("hdel", key, err)
	}
	return nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, r.key(key), ttl).Err(); err != nil {
		return classify("expire", key, err)
	}
	return nil
}

// Eval runs the routine's Lua body. Keys are prefixed; the script sees the
// same namespaced keys the rest of the adapter uses.
func (r *Redis) Eval(ctx context.Context, routine Routine, keys []string, args ...any) (any, error) {
	r.mu.Lock()
	script, ok := r.scripts[routine.Name]
	if !ok {
		script = redis.NewScript(routine.Lua)
		r.scripts[routine.Name] = script
	}
	r.mu.Unlock()

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	res, err := script.Run(ctx, r.client, full, args...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, classify("eval:"+routine.Name, "", err)
	}
	return res, nil
}

func (r *Redis) AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key("lock:"+name), holder, ttl).Result()
	if err != nil {
		return false, classify("lock", name, err)
	}
	return ok, nil
}

var releaseLockRoutine = Routine{
	Name: "release_lock",
	Lua: `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`,
	Local: func(ctx context.Context, v View, keys []string, args []any) (any, error) {
		cur, ok, err := v.Get(ctx, keys[0])
		if err != nil {
			return int64(0), err
		}
		holder, _ := args[0].(string)
		if !ok || cur != holder {
			return int64(0), nil
		}
		if err := v.Del(ctx, keys[0]); err != nil {
			return int64(0), err
		}
		return int64(1), nil
	},
}

func (r *Redis) ReleaseLock(ctx context.Context, name, holder string) (bool, error) {
	res, err := r.Eval(ctx, releaseLockRoutine, []string{"lock:" + name}, holder)
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return classify("ping", "", err)
	}
	return nil
}

func (r *Redis) Mode() Mode { return ModeRemote }

// Close releases the underlying connection pool.
func (r *Redis) Close() error { return r.client.Close() }
