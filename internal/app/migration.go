package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/config"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/domain"
	obs "github.com/fairyhunter13/gpu-instance-orchestrator/internal/observability"
)

// MigrationAttempt records one instance's outcome in a scan.
type MigrationAttempt struct {
	ProviderID string `json:"providerId"`
	Name       string `json:"name,omitempty"`
	Outcome    string `json:"outcome"`
	Category   string `json:"category,omitempty"`
	Error      string `json:"error,omitempty"`
}

// MigrationResult summarizes one spot-reclaim scan.
type MigrationResult struct {
	RanAt    time.Time          `json:"ranAt"`
	Total    int                `json:"total"`
	Exited   int                `json:"exited"`
	Eligible int                `json:"eligible"`
	Migrated int                `json:"migrated"`
	Skipped  int                `json:"skipped"`
	Errors   map[string]int     `json:"errors"`
	Attempts []MigrationAttempt `json:"attempts"`
}

// Migration scans the provider for spot-reclaimed instances and queues
// migrations in bounded batches. A failed attempt is remembered and retried
// on a slower loop.
type Migration struct {
	cfg      config.Config
	store    rediskv.Store
	queue    domain.Queue
	provider domain.ProviderClient

	mu     sync.Mutex
	last   *MigrationResult
	stopCh chan struct{}
	once   sync.Once
}

// inflightTTL guards against re-queueing an instance whose migration job is
// still working through the queue.
func (m *Migration) inflightTTL() time.Duration { return 2 * m.cfg.MigrationInterval }

// NewMigration builds the controller.
func NewMigration(cfg config.Config, store rediskv.Store, queue domain.Queue, provider domain.ProviderClient) *Migration {
	return &Migration{
		cfg:      cfg,
		store:    store,
		queue:    queue,
		provider: provider,
		stopCh:   make(chan struct{}),
	}
}

// Run loops scans on the configured interval; a second, slower loop retries
// instances whose previous migration attempt failed.
func (m *Migration) Run(ctx context.Context) {
	if !m.cfg.MigrationEnabled {
		obs.LoggerFromContext(ctx).Info("spot migration disabled")
		return
	}
	scan := time.NewTicker(m.cfg.MigrationInterval)
	retry := time.NewTicker(2 * m.cfg.MigrationInterval)
	defer scan.Stop()
	defer retry.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-scan.C:
			if _, err := m.RunOnce(ctx, m.cfg.MigrationDryRun); err != nil {
				obs.LoggerFromContext(ctx).Warn("migration scan failed", "error", err)
			}
		case <-retry.C:
			if err := m.retryFailed(ctx); err != nil {
				obs.LoggerFromContext(ctx).Warn("migration retry pass failed", "error", err)
			}
		}
	}
}

// Stop halts the loops.
func (m *Migration) Stop() { m.once.Do(func() { close(m.stopCh) }) }

// RunOnce performs one full scan: paginate the provider inventory, find
// exited instances with the spot-reclaim indicator, and queue migrations in
// batches of the configured concurrency.
func (m *Migration) RunOnce(ctx context.Context, dryRun bool) (MigrationResult, error) {
	if !m.cfg.MigrationEnabled {
		return MigrationResult{}, domain.ErrFeatureDisabled
	}
	tracer := otel.Tracer("app")
	ctx, span := tracer.Start(ctx, "migration.scan")
	defer span.End()

	res := MigrationResult{RanAt: time.Now(), Errors: map[string]int{}}
	log := obs.LoggerFromContext(ctx)

	var eligible []domain.ProviderInstance
	cursor := ""
	for {
		page, err := m.provider.ListInstances(ctx, cursor)
		if err != nil {
			res.Errors["api"]++
			return res, err
		}
		for _, pi := range page.Instances {
			res.Total++
			if pi.Status != domain.StatusExited && pi.Status != domain.StatusStopped {
				continue
			}
			res.Exited++
			if !pi.SpotReclaimed() {
				res.Skipped++
				res.Attempts = append(res.Attempts, MigrationAttempt{
					ProviderID: pi.ID, Name: pi.Name, Outcome: "skipped", Category: "eligibility"})
				continue
			}
			eligible = append(eligible, pi)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	res.Eligible = len(eligible)

	for i := 0; i < len(eligible); i += m.cfg.MigrationConcurrency {
		end := i + m.cfg.MigrationConcurrency
		if end > len(eligible) {
			end = len(eligible)
		}
		for _, pi := range eligible[i:end] {
			attempt := m.migrateOne(ctx, pi, dryRun)
			res.Attempts = append(res.Attempts, attempt)
			switch attempt.Outcome {
			case "migrated", "queued":
				res.Migrated++
			case "skipped":
				res.Skipped++
			default:
				res.Errors[attempt.Category]++
			}
		}
	}

	m.mu.Lock()
	m.last = &res
	m.mu.Unlock()
	log.Info("migration scan finished",
		"total", res.Total, "exited", res.Exited, "eligible", res.Eligible,
		"migrated", res.Migrated, "skipped", res.Skipped, "dry_run", dryRun)
	return res, nil
}

// migrateOne queues one migration unless one is already in flight.
func (m *Migration) migrateOne(ctx context.Context, pi domain.ProviderInstance, dryRun bool) MigrationAttempt {
	attempt := MigrationAttempt{ProviderID: pi.ID, Name: pi.Name}
	if dryRun {
		attempt.Outcome = "skipped"
		attempt.Category = "eligibility"
		return attempt
	}
	key := "migrate:inflight:" + pi.ID
	ok, err := m.store.AcquireLock(ctx, key, "migration-controller", m.inflightTTL())
	if err != nil {
		attempt.Outcome = "error"
		attempt.Category = "config"
		attempt.Error = err.Error()
		return attempt
	}
	if !ok {
		attempt.Outcome = "skipped"
		attempt.Category = "eligibility"
		return attempt
	}
	if _, err := m.queue.Enqueue(ctx, domain.JobMigrateSpot, domain.MigrateSpotPayload{
		ProviderID: pi.ID,
		Reason:     "spot_reclaimed",
	}, domain.EnqueueOptions{Priority: 3, MaxAttempts: m.cfg.JobMaxAttempts}); err != nil {
		_ = m.recordFailure(ctx, pi.ID)
		attempt.Outcome = "error"
		attempt.Category = "migration"
		attempt.Error = err.Error()
		return attempt
	}
	attempt.Outcome = "queued"
	return attempt
}

// recordFailure remembers a provider id for the slow retry loop.
func (m *Migration) recordFailure(ctx context.Context, providerID string) error {
	return m.store.ZAdd(ctx, "migrate:failed", float64(time.Now().UnixMilli()), providerID)
}

// retryFailed re-queues previously failed migrations.
func (m *Migration) retryFailed(ctx context.Context) error {
	members, err := m.store.ZRangeWithScores(ctx, "migrate:failed", 0, -1)
	if err != nil {
		return err
	}
	for _, member := range members {
		pi, err := m.provider.GetInstance(ctx, member.Member)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				_ = m.store.ZRem(ctx, "migrate:failed", member.Member)
			}
			continue
		}
		if !pi.SpotReclaimed() {
			_ = m.store.ZRem(ctx, "migrate:failed", member.Member)
			continue
		}
		attempt := m.migrateOne(ctx, pi, false)
		if attempt.Outcome == "queued" {
			_ = m.store.ZRem(ctx, "migrate:failed", member.Member)
		}
	}
	return nil
}

// Stats reports the last scan for the admin surface.
func (m *Migration) Stats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]interface{}{
		"enabled":  m.cfg.MigrationEnabled,
		"interval": m.cfg.MigrationInterval.String(),
		"dry_run":  m.cfg.MigrationDryRun,
	}
	if m.last != nil {
		out["last_run"] = *m.last
	}
	return out
}
