// Package rediskv implements the KV store adapter over Redis with an
// in-process fallback. It backs the cache layer, the job queue, the operation
// ledger, and distributed locks.
package rediskv

import (
	"context"
	"time"
)

// Mode reports which backend the adapter is currently routing to.
type Mode string

const (
	ModeRemote   Mode = "remote"
	ModeFallback Mode = "fallback"
)

// ZMember is a sorted-set member with its score.
type ZMember struct {
	Member string
	Score  float64
}

// View exposes the core operations without locking. Routine locals receive a
// View while the fallback store's lock is held, giving them the same
// atomicity a Lua script has on the remote.
type View interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	// Scan returns all keys with the given prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error)
	ZRem(ctx context.Context, key string, members ...string) error
	ZCard(ctx context.Context, key string) (int64, error)
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error

	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Routine is a small server-side atomic routine. The remote store executes
// Lua; the fallback executes Local under its lock. Both must implement the
// same semantics.
type Routine struct {
	Name  string
	Lua   string
	Local func(ctx context.Context, v View, keys []string, args []any) (any, error)
}

// Store is the KV port every other component builds on.
type Store interface {
	View

	// Eval runs a routine atomically.
	Eval(ctx context.Context, r Routine, keys []string, args ...any) (any, error)

	// AcquireLock takes the single-holder lock lock:<name> for holder with a
	// TTL. Returns false when another holder owns it.
	AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	// ReleaseLock releases the lock only when holder still owns it.
	ReleaseLock(ctx context.Context, name, holder string) (bool, error)

	Ping(ctx context.Context) error
	Mode() Mode
}
