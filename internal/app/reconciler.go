package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/config"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/domain"
	obs "github.com/fairyhunter13/gpu-instance-orchestrator/internal/observability"
)

const syncLockName = "startup-sync"

// ReconcileSummary is the outcome of one reconciliation.
type ReconcileSummary struct {
	RanAt      time.Time `json:"ranAt"`
	Skipped    bool      `json:"skipped"`
	Provider   int       `json:"providerInstances"`
	Cached     int       `json:"cachedInstances"`
	Upserted   int       `json:"upserted"`
	Adopted    int       `json:"adopted"`
	Orphaned   int       `json:"orphaned"`
	Deleted    int       `json:"deleted"`
	DurationMs int64     `json:"durationMs"`
}

// Reconciler heals the cache against provider truth. It runs once at boot
// (and on demand through the admin API) under a distributed lock so multiple
// replicas cannot reconcile concurrently.
type Reconciler struct {
	cfg      config.Config
	store    rediskv.Store
	cache    domain.InstanceCache
	provider domain.ProviderClient
	holder   string
}

// NewReconciler builds the reconciler.
func NewReconciler(cfg config.Config, store rediskv.Store, cache domain.InstanceCache, provider domain.ProviderClient) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		store:    store,
		cache:    cache,
		provider: provider,
		holder:   uuid.NewString(),
	}
}

// Run reconciles once. A held lock means another replica is already syncing;
// that is a clean skip, not an error.
func (r *Reconciler) Run(ctx context.Context) (ReconcileSummary, error) {
	tracer := otel.Tracer("app")
	ctx, span := tracer.Start(ctx, "reconciler.run")
	defer span.End()

	start := time.Now()
	log := obs.LoggerFromContext(ctx)
	summary := ReconcileSummary{RanAt: start}

	ok, err := r.store.AcquireLock(ctx, syncLockName, r.holder, r.cfg.SyncLockTTL)
	if err != nil {
		return summary, err
	}
	if !ok {
		log.Info("reconciliation skipped; another replica holds the sync lock")
		summary.Skipped = true
		return summary, nil
	}
	defer func() {
		if _, err := r.store.ReleaseLock(ctx, syncLockName, r.holder); err != nil {
			log.Warn("sync lock release failed", "error", err)
		}
	}()

	// Full provider inventory.
	providerByID := make(map[string]domain.ProviderInstance)
	cursor := ""
	for {
		page, err := r.provider.ListInstances(ctx, cursor)
		if err != nil {
			return summary, err
		}
		for _, pi := range page.Instances {
			providerByID[pi.ID] = pi
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	summary.Provider = len(providerByID)

	cached, err := r.cache.List(ctx)
	if err != nil {
		return summary, err
	}
	summary.Cached = len(cached)

	now := time.Now()
	var upserts []domain.Instance
	var deletions []string
	seen := make(map[string]bool)

	for _, inst := range cached {
		if inst.ProviderID == "" {
			// A create may still be in flight; leave the local record alone.
			continue
		}
		pi, exists := providerByID[inst.ProviderID]
		if !exists {
			summary.Orphaned++
			if r.cfg.OrphanDelete {
				deletions = append(deletions, inst.ID)
				summary.Deleted++
				continue
			}
			inst.Status = domain.StatusTerminated
			inst.LastSyncedAt = &now
			if err := r.cache.SetWithTTL(ctx, inst, r.cfg.OrphanRetention); err != nil {
				return summary, err
			}
			continue
		}
		seen[pi.ID] = true
		// Provider truth wins for provider-owned fields; a locally tracked
		// in-flight readiness check is not overwritten by "running".
		if !(inst.Status == domain.StatusHealthChecking && pi.Status == domain.StatusRunning) {
			inst.Status = pi.Status
		}
		inst.SpotStatus = pi.SpotStatus
		inst.LastSyncedAt = &now
		upserts = append(upserts, inst)
		summary.Upserted++
	}

	// Provider records the cache has never seen get adopted.
	for id, pi := range providerByID {
		if seen[id] || pi.Status.IsTerminal() {
			continue
		}
		adopted := domain.Instance{
			ID:           uuid.NewString(),
			ProviderID:   pi.ID,
			Name:         pi.Name,
			Status:       pi.Status,
			ProductID:    pi.ProductID,
			Config:       domain.InstanceConfig{Region: pi.Region},
			CreatedAt:    now,
			LastSyncedAt: &now,
			SpotStatus:   pi.SpotStatus,
		}
		upserts = append(upserts, adopted)
		summary.Adopted++
	}

	if err := r.cache.BulkSync(ctx, upserts, deletions); err != nil {
		return summary, err
	}
	r.publishStatusGauges(upserts)

	summary.DurationMs = time.Since(start).Milliseconds()
	log.Info("reconciliation finished",
		"provider", summary.Provider, "cached", summary.Cached,
		"upserted", summary.Upserted, "adopted", summary.Adopted,
		"orphaned", summary.Orphaned, "deleted", summary.Deleted,
		"duration_ms", summary.DurationMs)
	return summary, nil
}

func (r *Reconciler) publishStatusGauges(instances []domain.Instance) {
	counts := make(map[domain.InstanceStatus]int)
	for _, inst := range instances {
		counts[inst.Status]++
	}
	observability.InstancesByStatus.Reset()
	for status, n := range counts {
		observability.InstancesByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}
