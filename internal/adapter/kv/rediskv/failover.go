package rediskv

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Failover routes to the remote store and downgrades to the in-process
// fallback after a run of consecutive transient failures. A background probe
// flips back to remote once it answers pings again. Data written while in
// fallback mode is not replayed to the remote; the startup reconciler heals
// the divergence on the next boot, which is the durability bar the system
// promises.
type Failover struct {
	remote   Store
	fallback Store

	threshold int
	failures  atomic.Int64
	degraded  atomic.Bool

	probeOnce sync.Once
	probeStop chan struct{}
}

// NewFailover wraps remote with the in-process fallback. threshold is the
// number of consecutive transient remote failures before downgrading.
func NewFailover(remote Store, threshold int) *Failover {
	if threshold < 1 {
		threshold = 1
	}
	return &Failover{
		remote:    remote,
		fallback:  NewMemory(),
		threshold: threshold,
		probeStop: make(chan struct{}),
	}
}

func (f *Failover) current() Store {
	if f.degraded.Load() {
		return f.fallback
	}
	return f.remote
}

// observe updates failure accounting after a remote call.
func (f *Failover) observe(err error) {
	if f.degraded.Load() {
		return
	}
	if err == nil || !IsTransient(err) {
		f.failures.Store(0)
		return
	}
	n := f.failures.Add(1)
	if n >= int64(f.threshold) {
		f.degraded.Store(true)
		slog.Warn("kv store downgraded to in-process fallback",
			slog.Int64("consecutive_failures", n))
		f.probeOnce.Do(func() { go f.probeLoop() })
	}
}

// probeLoop pings the remote once a minute and flips back when it recovers.
func (f *Failover) probeLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-f.probeStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := f.remote.Ping(ctx)
			cancel()
			if err == nil && f.degraded.CompareAndSwap(true, false) {
				f.failures.Store(0)
				slog.Info("kv store recovered; routing to remote again")
			}
		}
	}
}

// Close stops the recovery probe.
func (f *Failover) Close() {
	select {
	case <-f.probeStop:
	default:
		close(f.probeStop)
	}
}

func (f *Failover) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := f.current().Get(ctx, key)
	f.observe(err)
	return v, ok, err
}

func (f *Failover) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := f.current().Set(ctx, key, value, ttl)
	f.observe(err)
	return err
}

func (f *Failover) Del(ctx context.Context, keys ...string) error {
	err := f.current().Del(ctx, keys...)
	f.observe(err)
	return err
}

func (f *Failover) Scan(ctx context.Context, prefix string) ([]string, error) {
	v, err := f.current().Scan(ctx, prefix)
	f.observe(err)
	return v, err
}

func (f *Failover) ZAdd(ctx context.Context, key string, score float64, member string) error {
	err := f.current().ZAdd(ctx, key, score, member)
	f.observe(err)
	return err
}

func (f *Failover) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	v, err := f.current().ZRangeWithScores(ctx, key, start, stop)
	f.observe(err)
	return v, err
}

func (f *Failover) ZRem(ctx context.Context, key string, members ...string) error {
	err := f.current().ZRem(ctx, key, members...)
	f.observe(err)
	return err
}

func (f *Failover) ZCard(ctx context.Context, key string) (int64, error) {
	v, err := f.current().ZCard(ctx, key)
	f.observe(err)
	return v, err
}

func (f *Failover) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	err := f.current().ZRemRangeByRank(ctx, key, start, stop)
	f.observe(err)
	return err
}

func (f *Failover) HSet(ctx context.Context, key string, fields map[string]string) error {
	err := f.current().HSet(ctx, key, fields)
	f.observe(err)
	return err
}

func (f *Failover) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, ok, err := f.current().HGet(ctx, key, field)
	f.observe(err)
	return v, ok, err
}

func (f *Failover) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := f.current().HGetAll(ctx, key)
	f.observe(err)
	return v, err
}

func (f *Failover) HDel(ctx context.Context, key string, fields ...string) error {
	err := f.current().HDel(ctx, key, fields...)
	f.observe(err)
	return err
}

func (f *Failover) Expire(ctx context.Context, key string, ttl time.Duration) error {
	err := f.current().Expire(ctx, key, ttl)
	f.observe(err)
	return err
}

func (f *Failover) Eval(ctx context.Context, r Routine, keys []string, args ...any) (any, error) {
	v, err := f.current().Eval(ctx, r, keys, args...)
	f.observe(err)
	return v, err
}

func (f *Failover) AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	ok, err := f.current().AcquireLock(ctx, name, holder, ttl)
	f.observe(err)
	return ok, err
}

func (f *Failover) ReleaseLock(ctx context.Context, name, holder string) (bool, error) {
	ok, err := f.current().ReleaseLock(ctx, name, holder)
	f.observe(err)
	return ok, err
}

func (f *Failover) Ping(ctx context.Context) error {
	err := f.current().Ping(ctx)
	f.observe(err)
	return err
}

// Mode reports remote or fallback for health output.
func (f *Failover) Mode() Mode {
	if f.degraded.Load() {
		return ModeFallback
	}
	return ModeRemote
}
