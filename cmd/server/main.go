// Command server runs the GPU instance orchestrator: the intent API, the
// worker pool, and the background controllers, over a Redis-backed KV store
// with an in-process fallback.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/cache"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/kv/rediskv"
	adaptobs "github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/provider/novita"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/queue/redisqueue"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/webhook"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/app"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/config"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/domain"
	obs "github.com/fairyhunter13/gpu-instance-orchestrator/internal/observability"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/service/prober"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/usecase"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/worker"
)

// stuckJobCutoff: processing entries older than this at boot belong to a
// crashed worker and go back to pending.
const stuckJobCutoff = 10 * time.Minute

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := adaptobs.SetupLogger(cfg)
	slog.SetDefault(logger)
	adaptobs.InitMetrics()

	shutdownTracing, err := adaptobs.SetupTracing(cfg)
	if err != nil {
		return fmt.Errorf("op=main tracing: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = obs.ContextWithLogger(ctx, logger)

	// KV store: remote Redis, optionally wrapped with in-process failover.
	remote, err := rediskv.NewRedis(cfg.RedisURL, cfg.RedisKeyPrefix)
	if err != nil {
		return err
	}
	var store rediskv.Store = remote
	var failover *rediskv.Failover
	if cfg.KVFallbackEnabled {
		failover = rediskv.NewFailover(remote, cfg.KVFailoverThreshold)
		store = failover
	}

	caches := cache.NewManager(store, cache.ManagerOptions{
		InstanceOpts: cache.Options{
			MaxSize:         cfg.CacheMaxSize,
			DefaultTTL:      cfg.CacheDefaultTTL,
			CleanupInterval: cfg.CacheCleanupInterval,
		},
		CatalogOpts: cache.Options{
			MaxSize:         cfg.CacheMaxSize,
			DefaultTTL:      cfg.CacheDefaultTTL,
			CleanupInterval: cfg.CacheCleanupInterval,
		},
	})
	defer caches.Close()

	queue := redisqueue.New(store, redisqueue.Options{DefaultMaxAttempts: cfg.JobMaxAttempts})
	providerClient := novita.New(cfg)
	ledger := usecase.NewLedger(store)
	sender := webhook.New(cfg.WebhookSecret, cfg.WebhookTimeout, cfg.WebhookMaxRetries)
	probe := prober.New()

	svc, err := usecase.NewService(cfg, caches.Instances, queue, providerClient, ledger)
	if err != nil {
		return err
	}

	autoStop := app.NewAutoStop(cfg, caches.Instances, svc)
	migration := app.NewMigration(cfg, store, queue, providerClient)
	reconciler := app.NewReconciler(cfg, store, caches.Instances, providerClient)

	// Boot recovery: reclaim jobs a crashed worker left in processing, then
	// heal the cache against provider truth. Neither failure is fatal; the
	// admin sync endpoint can rerun reconciliation.
	if n, err := queue.RecoverStuck(ctx, stuckJobCutoff); err != nil {
		logger.Warn("stuck job recovery failed", "error", err)
	} else if n > 0 {
		logger.Info("recovered stuck jobs", "count", n)
	}
	if _, err := reconciler.Run(ctx); err != nil {
		logger.Warn("startup reconciliation failed", "error", err)
	}

	pool := worker.NewPool(cfg, queue)
	worker.NewHandlers(cfg, caches, queue, providerClient, ledger, probe, sender).Register(pool)
	pool.Register(domain.JobAutoStopCheck, func(ctx context.Context, job *domain.Job) error {
		var p domain.AutoStopCheckPayload
		if err := job.DecodePayload(&p); err != nil {
			return worker.Permanent(err)
		}
		_, err := autoStop.RunOnce(ctx, p.DryRun)
		return err
	})
	pool.Start(ctx)

	go autoStop.Run(ctx)
	go migration.Run(ctx)

	router := httpserver.NewRouter(httpserver.Deps{
		Cfg:        cfg,
		Service:    svc,
		Caches:     caches,
		Queue:      queue,
		Store:      store,
		Breaker:    providerClient.Breaker(),
		Resetter:   providerClient.Breaker(),
		AutoStop:   autoStop,
		Migration:  migration,
		Reconciler: reconciler,
	})
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Drain: stop admitting requests, let in-flight jobs finish within the
	// grace period, then release resources.
	logger.Info("shutting down", "grace", cfg.ShutdownGrace.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	autoStop.Stop()
	migration.Stop()
	pool.Shutdown(cfg.ShutdownGrace)
	if failover != nil {
		failover.Close()
	}
	if err := remote.Close(); err != nil {
		logger.Warn("redis close failed", "error", err)
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}
	logger.Info("shutdown complete")
	return nil
}
