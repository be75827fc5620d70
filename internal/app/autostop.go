// Package app wires the background controllers and the process lifecycle:
// auto-stop, spot migration, the startup reconciler, and the HTTP server.
package app

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/config"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/domain"
	obs "github.com/fairyhunter13/gpu-instance-orchestrator/internal/observability"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/usecase"
)

// AutoStopResult summarizes one idle scan.
type AutoStopResult struct {
	RanAt      time.Time `json:"ranAt"`
	DryRun     bool      `json:"dryRun"`
	Scanned    int       `json:"scanned"`
	Idle       []string  `json:"idle"`
	Stopped    []string  `json:"stopped"`
	Repaired   []string  `json:"repaired"`
	Errors     []string  `json:"errors"`
	DurationMs int64     `json:"durationMs"`
}

// InstanceStopper is the slice of the instance service the controller needs.
// Stops go through the intent façade so the ledger, status transition, and
// monitor handoff stay in one place.
type InstanceStopper interface {
	Stop(ctx context.Context, ref string, opts usecase.StopOptions) (usecase.IntentResponse, error)
}

// AutoStop reclaims idle instances: any ready or running instance whose
// effective last-use is older than the threshold gets a stop intent.
type AutoStop struct {
	cfg     config.Config
	cache   domain.InstanceCache
	stopper InstanceStopper

	mu      sync.Mutex
	last    *AutoStopResult
	totals  struct{ runs, stopped, errors int64 }
	stopCh  chan struct{}
	stopped sync.Once
}

// NewAutoStop builds the controller.
func NewAutoStop(cfg config.Config, cache domain.InstanceCache, stopper InstanceStopper) *AutoStop {
	return &AutoStop{
		cfg:     cfg,
		cache:   cache,
		stopper: stopper,
		stopCh:  make(chan struct{}),
	}
}

// Run loops scans on the configured interval until the context ends.
func (a *AutoStop) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.AutoStopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			if _, err := a.RunOnce(ctx, false); err != nil {
				obs.LoggerFromContext(ctx).Warn("auto-stop scan failed", "error", err)
			}
		}
	}
}

// Stop halts the loop.
func (a *AutoStop) Stop() { a.stopped.Do(func() { close(a.stopCh) }) }

// RunOnce scans once. Per-instance errors are collected, never abort the
// scan. dryRun enumerates idle instances without stopping them.
func (a *AutoStop) RunOnce(ctx context.Context, dryRun bool) (AutoStopResult, error) {
	tracer := otel.Tracer("app")
	ctx, span := tracer.Start(ctx, "autostop.scan")
	defer span.End()

	start := time.Now()
	log := obs.LoggerFromContext(ctx)
	res := AutoStopResult{RanAt: start, DryRun: dryRun}

	instances, err := a.cache.List(ctx)
	if err != nil {
		return res, err
	}
	now := time.Now()
	for _, inst := range instances {
		if inst.Status != domain.StatusReady && inst.Status != domain.StatusRunning {
			continue
		}
		res.Scanned++

		// Repair timestamps that cannot drive a sane idle decision.
		if inst.LastUsedAt != nil && (inst.LastUsedAt.IsZero() || inst.LastUsedAt.After(now.Add(time.Minute))) {
			inst.LastUsedAt = &inst.CreatedAt
			if err := a.cache.Set(ctx, inst); err != nil {
				res.Errors = append(res.Errors, inst.ID+": "+err.Error())
				continue
			}
			res.Repaired = append(res.Repaired, inst.ID)
		}

		if now.Sub(inst.EffectiveLastUsed()) < a.cfg.AutoStopThreshold {
			continue
		}
		res.Idle = append(res.Idle, inst.ID)
		if dryRun {
			continue
		}
		if err := a.stopOne(ctx, inst); err != nil {
			res.Errors = append(res.Errors, inst.ID+": "+err.Error())
			continue
		}
		res.Stopped = append(res.Stopped, inst.ID)
	}

	res.DurationMs = time.Since(start).Milliseconds()
	a.mu.Lock()
	a.last = &res
	a.totals.runs++
	a.totals.stopped += int64(len(res.Stopped))
	a.totals.errors += int64(len(res.Errors))
	a.mu.Unlock()

	log.Info("auto-stop scan finished",
		"scanned", res.Scanned, "idle", len(res.Idle), "stopped", len(res.Stopped),
		"dry_run", dryRun, "duration_ms", res.DurationMs)
	return res, nil
}

// stopOne issues a stop intent for an idle instance. The service dedupes
// against a live stop operation, so repeated scans collapse onto one intent.
func (a *AutoStop) stopOne(ctx context.Context, inst domain.Instance) error {
	if inst.ProviderID == "" {
		return nil
	}
	_, err := a.stopper.Stop(ctx, inst.ID, usecase.StopOptions{})
	return err
}

// StopAll stops every ready/running instance regardless of idleness.
func (a *AutoStop) StopAll(ctx context.Context) (AutoStopResult, error) {
	start := time.Now()
	res := AutoStopResult{RanAt: start}
	instances, err := a.cache.List(ctx)
	if err != nil {
		return res, err
	}
	for _, inst := range instances {
		if inst.Status != domain.StatusReady && inst.Status != domain.StatusRunning {
			continue
		}
		res.Scanned++
		if err := a.stopOne(ctx, inst); err != nil {
			res.Errors = append(res.Errors, inst.ID+": "+err.Error())
			continue
		}
		res.Stopped = append(res.Stopped, inst.ID)
	}
	res.DurationMs = time.Since(start).Milliseconds()
	return res, nil
}

// Stats reports controller counters and the last scan.
func (a *AutoStop) Stats() map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := map[string]interface{}{
		"interval":      a.cfg.AutoStopInterval.String(),
		"threshold":     a.cfg.AutoStopThreshold.String(),
		"runs":          a.totals.runs,
		"total_stopped": a.totals.stopped,
		"total_errors":  a.totals.errors,
	}
	if a.last != nil {
		out["last_run"] = *a.last
	}
	return out
}
