package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/cache"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/queue/redisqueue"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/config"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/domain"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/usecase"
)

// fakeProvider serves a fixed inventory and records mutations.
type fakeProvider struct {
	inventory []domain.ProviderInstance
	stopped   []string
}

func (f *fakeProvider) GetInstance(_ context.Context, id string) (domain.ProviderInstance, error) {
	for _, pi := range f.inventory {
		if pi.ID == id {
			return pi, nil
		}
	}
	return domain.ProviderInstance{}, fmt.Errorf("instance %s: %w", id, domain.ErrNotFound)
}

func (f *fakeProvider) ListInstances(context.Context, string) (domain.InstancePage, error) {
	return domain.InstancePage{Instances: f.inventory}, nil
}

func (f *fakeProvider) ListProducts(context.Context, domain.ProductFilter) ([]domain.Product, error) {
	return nil, nil
}

func (f *fakeProvider) GetTemplate(context.Context, string) (domain.Template, error) {
	return domain.Template{}, nil
}

func (f *fakeProvider) CreateInstance(context.Context, domain.CreateInstanceSpec) (domain.ProviderInstance, error) {
	return domain.ProviderInstance{}, nil
}

func (f *fakeProvider) StartInstance(context.Context, string) error { return nil }

func (f *fakeProvider) StopInstance(_ context.Context, id string) error {
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeProvider) DeleteInstance(context.Context, string) error { return nil }

func (f *fakeProvider) MigrateInstance(context.Context, string) error { return nil }

type appFixture struct {
	store    rediskv.Store
	cache    *cache.Instances
	queue    *redisqueue.Queue
	provider *fakeProvider
	ledger   *usecase.Ledger
	cfg      config.Config
}

func newAppFixture(t *testing.T) *appFixture {
	t.Helper()
	store := rediskv.NewMemory()
	ic := cache.NewInstances(store, cache.Options{})
	t.Cleanup(ic.Close)
	return &appFixture{
		store:    store,
		cache:    ic,
		queue:    redisqueue.New(store, redisqueue.Options{DefaultMaxAttempts: 3}),
		provider: &fakeProvider{},
		ledger:   usecase.NewLedger(store),
		cfg: config.Config{
			PollInterval:           30 * time.Second,
			InstanceStartupTimeout: 10 * time.Minute,
			AutoStopInterval:       time.Minute,
			AutoStopThreshold:      30 * time.Minute,
			MigrationEnabled:       true,
			MigrationInterval:      time.Minute,
			MigrationConcurrency:   2,
			SyncLockTTL:            time.Minute,
			OrphanRetention:        time.Hour,
			JobMaxAttempts:         3,
		},
	}
}

// autoStop wires the controller over a real instance service so stop intents
// take the same path API callers use.
func (f *appFixture) autoStop(t *testing.T) *AutoStop {
	t.Helper()
	svc, err := usecase.NewService(f.cfg, f.cache, f.queue, f.provider, f.ledger)
	require.NoError(t, err)
	return NewAutoStop(f.cfg, f.cache, svc)
}

func past(d time.Duration) *time.Time {
	t := time.Now().Add(-d)
	return &t
}

func TestAutoStopReclaimsIdleInstances(t *testing.T) {
	ctx := context.Background()
	f := newAppFixture(t)
	require.NoError(t, f.cache.Set(ctx, domain.Instance{
		ID: "idle", ProviderID: "p-idle", Name: "a", Status: domain.StatusReady,
		CreatedAt: time.Now().Add(-2 * time.Hour), LastUsedAt: past(time.Hour),
	}))
	require.NoError(t, f.cache.Set(ctx, domain.Instance{
		ID: "busy", ProviderID: "p-busy", Name: "b", Status: domain.StatusReady,
		CreatedAt: time.Now().Add(-2 * time.Hour), LastUsedAt: past(time.Minute),
	}))
	require.NoError(t, f.cache.Set(ctx, domain.Instance{
		ID: "off", ProviderID: "p-off", Name: "c", Status: domain.StatusExited,
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}))

	res, err := f.autoStop(t).RunOnce(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned, "only ready/running instances are scanned")
	assert.Equal(t, []string{"idle"}, res.Idle)
	assert.Equal(t, []string{"idle"}, res.Stopped)
	assert.Equal(t, []string{"p-idle"}, f.provider.stopped)

	inst, _, err := f.cache.Get(ctx, "idle")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopping, inst.Status)

	job, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, domain.JobMonitorInstance, job.Type)
}

func TestAutoStopDryRunOnlyEnumerates(t *testing.T) {
	ctx := context.Background()
	f := newAppFixture(t)
	require.NoError(t, f.cache.Set(ctx, domain.Instance{
		ID: "idle", ProviderID: "p-idle", Name: "a", Status: domain.StatusRunning,
		CreatedAt: time.Now().Add(-2 * time.Hour), LastUsedAt: past(time.Hour),
	}))

	res, err := f.autoStop(t).RunOnce(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"idle"}, res.Idle)
	assert.Empty(t, res.Stopped)
	assert.Empty(t, f.provider.stopped)
}

func TestAutoStopRepairsFutureTimestamps(t *testing.T) {
	ctx := context.Background()
	f := newAppFixture(t)
	future := time.Now().Add(time.Hour)
	require.NoError(t, f.cache.Set(ctx, domain.Instance{
		ID: "skewed", ProviderID: "p-1", Name: "a", Status: domain.StatusReady,
		CreatedAt: time.Now().Add(-2 * time.Hour), LastUsedAt: &future,
	}))

	res, err := f.autoStop(t).RunOnce(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"skewed"}, res.Repaired)
	// After repair the idle clock reads from CreatedAt, two hours ago.
	assert.Equal(t, []string{"skewed"}, res.Stopped)
}

func TestAutoStopHonorsLiveStopOperation(t *testing.T) {
	ctx := context.Background()
	f := newAppFixture(t)
	require.NoError(t, f.cache.Set(ctx, domain.Instance{
		ID: "idle", ProviderID: "p-idle", Name: "a", Status: domain.StatusReady,
		CreatedAt: time.Now().Add(-2 * time.Hour), LastUsedAt: past(time.Hour),
	}))
	_, created, err := f.ledger.Begin(ctx, "idle", domain.OpStop)
	require.NoError(t, err)
	require.True(t, created)

	_, err = f.autoStop(t).RunOnce(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, f.provider.stopped, "a live stop operation means no second provider call")
}

// fakeStopper records stop intents without touching any provider.
type fakeStopper struct {
	refs []string
}

func (f *fakeStopper) Stop(_ context.Context, ref string, _ usecase.StopOptions) (usecase.IntentResponse, error) {
	f.refs = append(f.refs, ref)
	return usecase.IntentResponse{InstanceID: ref, Status: string(domain.StatusStopping)}, nil
}

func TestAutoStopRoutesStopsThroughInstanceService(t *testing.T) {
	ctx := context.Background()
	f := newAppFixture(t)
	require.NoError(t, f.cache.Set(ctx, domain.Instance{
		ID: "idle", ProviderID: "p-idle", Name: "a", Status: domain.StatusReady,
		CreatedAt: time.Now().Add(-2 * time.Hour), LastUsedAt: past(time.Hour),
	}))

	stopper := &fakeStopper{}
	a := NewAutoStop(f.cfg, f.cache, stopper)
	res, err := a.RunOnce(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"idle"}, stopper.refs)
	assert.Equal(t, []string{"idle"}, res.Stopped)
	assert.Empty(t, f.provider.stopped, "the controller itself never calls the provider")
}

func TestMigrationDisabled(t *testing.T) {
	f := newAppFixture(t)
	f.cfg.MigrationEnabled = false
	m := NewMigration(f.cfg, f.store, f.queue, f.provider)

	_, err := m.RunOnce(context.Background(), false)
	assert.ErrorIs(t, err, domain.ErrFeatureDisabled)
}

func TestMigrationQueuesReclaimedInstances(t *testing.T) {
	ctx := context.Background()
	f := newAppFixture(t)
	f.provider.inventory = []domain.ProviderInstance{
		{ID: "p-run", Status: domain.StatusRunning},
		{ID: "p-exit", Status: domain.StatusExited},
		{ID: "p-reclaimed", Status: domain.StatusExited, SpotStatus: "reclaimed"},
	}
	m := NewMigration(f.cfg, f.store, f.queue, f.provider)

	res, err := m.RunOnce(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Exited)
	assert.Equal(t, 1, res.Eligible)
	assert.Equal(t, 1, res.Migrated)
	assert.Equal(t, 1, res.Skipped)

	job, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, domain.JobMigrateSpot, job.Type)
	var p domain.MigrateSpotPayload
	require.NoError(t, job.DecodePayload(&p))
	assert.Equal(t, "p-reclaimed", p.ProviderID)
}

func TestMigrationDeduplicatesInflight(t *testing.T) {
	ctx := context.Background()
	f := newAppFixture(t)
	f.provider.inventory = []domain.ProviderInstance{
		{ID: "p-reclaimed", Status: domain.StatusExited, SpotStatus: "reclaimed"},
	}
	m := NewMigration(f.cfg, f.store, f.queue, f.provider)

	first, err := m.RunOnce(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Migrated)

	second, err := m.RunOnce(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Migrated, "inflight lock must absorb the repeat scan")
	assert.Equal(t, 1, second.Skipped)

	depth, err := f.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestMigrationDryRunQueuesNothing(t *testing.T) {
	ctx := context.Background()
	f := newAppFixture(t)
	f.provider.inventory = []domain.ProviderInstance{
		{ID: "p-reclaimed", Status: domain.StatusExited, SpotStatus: "reclaimed"},
	}
	m := NewMigration(f.cfg, f.store, f.queue, f.provider)

	res, err := m.RunOnce(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Eligible)
	assert.Equal(t, 0, res.Migrated)

	depth, err := f.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestReconcilerAdoptsAndOrphans(t *testing.T) {
	ctx := context.Background()
	f := newAppFixture(t)
	// Cached record whose provider resource vanished.
	require.NoError(t, f.cache.Set(ctx, domain.Instance{
		ID: "gone", ProviderID: "p-gone", Name: "gone", Status: domain.StatusRunning,
	}))
	// Cached record still present upstream, with a newer provider status.
	require.NoError(t, f.cache.Set(ctx, domain.Instance{
		ID: "tracked", ProviderID: "p-tracked", Name: "tracked", Status: domain.StatusStarting,
	}))
	f.provider.inventory = []domain.ProviderInstance{
		{ID: "p-tracked", Name: "tracked", Status: domain.StatusRunning},
		{ID: "p-new", Name: "newcomer", Status: domain.StatusExited},
	}

	r := NewReconciler(f.cfg, f.store, f.cache, f.provider)
	summary, err := r.Run(ctx)
	require.NoError(t, err)
	assert.False(t, summary.Skipped)
	assert.Equal(t, 2, summary.Provider)
	assert.Equal(t, 1, summary.Orphaned)
	assert.Equal(t, 1, summary.Adopted)
	assert.Equal(t, 1, summary.Upserted)

	orphan, ok, err := f.cache.Get(ctx, "gone")
	require.NoError(t, err)
	require.True(t, ok, "orphans are retained (with TTL), not deleted, by default")
	assert.Equal(t, domain.StatusTerminated, orphan.Status)

	tracked, _, err := f.cache.Get(ctx, "tracked")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, tracked.Status)

	list, err := f.cache.List(ctx)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, inst := range list {
		names[inst.Name] = true
	}
	assert.True(t, names["newcomer"], "unseen provider records get adopted")
}

func TestReconcilerDeletesOrphansWhenConfigured(t *testing.T) {
	ctx := context.Background()
	f := newAppFixture(t)
	f.cfg.OrphanDelete = true
	require.NoError(t, f.cache.Set(ctx, domain.Instance{
		ID: "gone", ProviderID: "p-gone", Name: "gone", Status: domain.StatusRunning,
	}))

	r := NewReconciler(f.cfg, f.store, f.cache, f.provider)
	summary, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Deleted)

	_, ok, err := f.cache.Get(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReconcilerPreservesLocalHealthChecking(t *testing.T) {
	ctx := context.Background()
	f := newAppFixture(t)
	require.NoError(t, f.cache.Set(ctx, domain.Instance{
		ID: "probing", ProviderID: "p-1", Name: "a", Status: domain.StatusHealthChecking,
	}))
	f.provider.inventory = []domain.ProviderInstance{
		{ID: "p-1", Name: "a", Status: domain.StatusRunning},
	}

	r := NewReconciler(f.cfg, f.store, f.cache, f.provider)
	_, err := r.Run(ctx)
	require.NoError(t, err)

	inst, _, err := f.cache.Get(ctx, "probing")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusHealthChecking, inst.Status,
		"provider 'running' must not clobber an in-flight readiness check")
}

func TestReconcilerSkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	f := newAppFixture(t)
	ok, err := f.store.AcquireLock(ctx, syncLockName, "other-replica", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	r := NewReconciler(f.cfg, f.store, f.cache, f.provider)
	summary, err := r.Run(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
}
