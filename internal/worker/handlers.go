package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/cache"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/config"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/domain"
	obs "github.com/fairyhunter13/gpu-instance-orchestrator/internal/observability"
)

// Handlers implements the job handlers for the lifecycle flows. One instance
// serves the whole pool; all state lives in the cache and the KV store.
type Handlers struct {
	cfg       config.Config
	cache     domain.InstanceCache
	products  *cache.Cache[domain.Product]
	templates *cache.Cache[domain.Template]
	queue     domain.Queue
	provider  domain.ProviderClient
	ledger    domain.OperationLedger
	prober    domain.Prober
	webhook   domain.WebhookSender
}

// NewHandlers wires the handler set over the named caches.
func NewHandlers(cfg config.Config, caches *cache.Manager, queue domain.Queue, provider domain.ProviderClient, ledger domain.OperationLedger, prober domain.Prober, webhook domain.WebhookSender) *Handlers {
	return &Handlers{
		cfg:       cfg,
		cache:     caches.Instances,
		products:  caches.Products,
		templates: caches.Templates,
		queue:     queue,
		provider:  provider,
		ledger:    ledger,
		prober:    prober,
		webhook:   webhook,
	}
}

// Register binds the lifecycle handlers onto the pool.
func (h *Handlers) Register(p *Pool) {
	p.Register(domain.JobCreateInstance, h.HandleCreateInstance)
	p.Register(domain.JobMonitorInstance, h.HandleMonitor)
	p.Register(domain.JobMonitorStartup, h.HandleMonitor)
	p.Register(domain.JobMigrateSpot, h.HandleMigrateSpot)
	p.Register(domain.JobSendWebhook, h.HandleSendWebhook)
}

// HandleCreateInstance drives the create flow: resolve the cheapest spot
// product, resolve the template, create, start, then hand off to the
// instance monitor. Retries resume after the step that already succeeded: a
// provider id recorded in the cache means the create call must not run again.
func (h *Handlers) HandleCreateInstance(ctx context.Context, job *domain.Job) error {
	var p domain.CreateInstancePayload
	if err := job.DecodePayload(&p); err != nil {
		return Permanent(err)
	}
	log := obs.LoggerFromContext(ctx).With("instance_id", p.InstanceID, "name", p.Name)

	inst, ok, err := h.cache.Get(ctx, p.InstanceID)
	if err != nil {
		return err
	}
	if !ok {
		return Permanent(fmt.Errorf("instance record vanished: %w", domain.ErrNotFound))
	}

	if inst.ProviderID == "" {
		product, err := h.resolveProduct(ctx, p.ProductName, p.Region)
		if err != nil {
			if IsPermanent(err) || errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotFound) {
				return h.failCreate(ctx, inst, p, fmt.Sprintf("product resolution: %v", err))
			}
			return err
		}
		tpl, err := h.resolveTemplate(ctx, p.TemplateID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrValidation) {
				return h.failCreate(ctx, inst, p, fmt.Sprintf("template resolution: %v", err))
			}
			return err
		}

		spec := domain.CreateInstanceSpec{
			Name:       p.Name,
			ProductID:  product.ID,
			GPUCount:   p.GPUCount,
			RootDiskGB: p.RootDiskGB,
			ImageRef:   tpl.ImageRef,
			ImageAuth:  tpl.ImageAuth,
			Ports:      tpl.Ports,
			EnvVars:    tpl.EnvVars,
		}
		created, err := h.provider.CreateInstance(ctx, spec)
		if err != nil {
			if errors.Is(err, domain.ErrValidation) {
				return h.failCreate(ctx, inst, p, fmt.Sprintf("provider create rejected: %v", err))
			}
			return err
		}
		inst.ProviderID = created.ID
		inst.ProductID = product.ID
		inst.Config.ImageRef = tpl.ImageRef
		inst.Config.Ports = tpl.Ports
		inst.Config.EnvVars = tpl.EnvVars
		if err := h.cache.Set(ctx, inst); err != nil {
			return err
		}
		log.Info("provider instance created", "provider_id", created.ID, "product_id", product.ID)
	}

	if err := h.provider.StartInstance(ctx, inst.ProviderID); err != nil {
		if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrConflict) {
			// Some providers auto-start on create; a conflict here means the
			// instance is already on its way up.
			log.Info("start after create skipped", "reason", err.Error())
		} else {
			return err
		}
	}
	now := time.Now()
	inst.Status = domain.StatusStarting
	inst.StartedAt = &now
	if inst.HealthCheck != nil {
		inst.HealthCheck.Status = domain.HealthCheckPending
	}
	if err := h.cache.Set(ctx, inst); err != nil {
		return err
	}

	hc := p.HealthCheckConfig
	if hc == nil {
		def := domain.DefaultHealthCheckConfig()
		hc = &def
	}
	// Creates hand off to the plain instance monitor; startup_initiated is a
	// start-intent event only.
	_, err = h.queue.Enqueue(ctx, domain.JobMonitorInstance, domain.MonitorPayload{
		InstanceID:        inst.ID,
		ProviderID:        inst.ProviderID,
		StartTime:         time.Now(),
		MaxWaitTimeMs:     int(h.cfg.InstanceStartupTimeout.Milliseconds()),
		PollIntervalMs:    int(h.cfg.PollInterval.Milliseconds()),
		HealthCheckConfig: hc,
		WebhookURL:        p.WebhookURL,
	}, domain.EnqueueOptions{Priority: 5, MaxAttempts: h.cfg.JobMaxAttempts})
	return err
}

// resolveProduct serves the product from the catalog cache, falling back to
// the provider and memoizing the winner under name|region.
func (h *Handlers) resolveProduct(ctx context.Context, name, region string) (domain.Product, error) {
	key := name + "|" + region
	if product, ok, err := h.products.Get(ctx, key); err == nil && ok {
		return product, nil
	}
	product, err := h.cheapestProduct(ctx, name, region)
	if err != nil {
		return domain.Product{}, err
	}
	if err := h.products.Set(ctx, key, product, 0); err != nil {
		obs.LoggerFromContext(ctx).Warn("product cache write failed", "key", key, "error", err)
	}
	return product, nil
}

// resolveTemplate serves the template from the catalog cache, falling back to
// the provider.
func (h *Handlers) resolveTemplate(ctx context.Context, templateID string) (domain.Template, error) {
	if tpl, ok, err := h.templates.Get(ctx, templateID); err == nil && ok {
		return tpl, nil
	}
	tpl, err := h.provider.GetTemplate(ctx, templateID)
	if err != nil {
		return domain.Template{}, err
	}
	if err := h.templates.Set(ctx, templateID, tpl, 0); err != nil {
		obs.LoggerFromContext(ctx).Warn("template cache write failed", "template_id", templateID, "error", err)
	}
	return tpl, nil
}

// cheapestProduct resolves a product name to the SKU with the lowest spot
// price in the region.
func (h *Handlers) cheapestProduct(ctx context.Context, name, region string) (domain.Product, error) {
	products, err := h.provider.ListProducts(ctx, domain.ProductFilter{Name: name, Region: region})
	if err != nil {
		return domain.Product{}, err
	}
	if len(products) == 0 {
		return domain.Product{}, fmt.Errorf("no product named %q in region %q: %w", name, region, domain.ErrNotFound)
	}
	sort.Slice(products, func(i, j int) bool {
		pi, pj := products[i].SpotPrice, products[j].SpotPrice
		if pi <= 0 {
			pi = products[i].Price
		}
		if pj <= 0 {
			pj = products[j].Price
		}
		return pi < pj
	})
	return products[0], nil
}

// failCreate marks the instance failed and notifies, then fails the job.
func (h *Handlers) failCreate(ctx context.Context, inst domain.Instance, p domain.CreateInstancePayload, reason string) error {
	now := time.Now()
	inst.Status = domain.StatusFailed
	inst.FailedAt = &now
	inst.LastError = reason
	if err := h.cache.Set(ctx, inst); err != nil {
		return err
	}
	h.notify(ctx, p.WebhookURL, domain.WebhookEvent{
		InstanceID:       inst.ID,
		Status:           domain.WebhookStartupFailed,
		Timestamp:        now,
		NovitaInstanceID: inst.ProviderID,
		Error:            reason,
		StartupOperation: "create",
	})
	return Permanent(errors.New(reason))
}

// notify queues a webhook delivery; delivery itself is best-effort.
func (h *Handlers) notify(ctx context.Context, url string, ev domain.WebhookEvent) {
	if url == "" {
		return
	}
	if _, err := h.queue.Enqueue(ctx, domain.JobSendWebhook, domain.SendWebhookPayload{URL: url, Event: ev},
		domain.EnqueueOptions{Priority: 1}); err != nil {
		obs.LoggerFromContext(ctx).Warn("webhook enqueue failed", "url", url, "error", err)
	}
}

// HandleMonitor is the polling state machine behind monitor_instance and
// monitor_startup. Each invocation is one poll; continuation happens by
// re-enqueueing the job with updated payload and a delay.
func (h *Handlers) HandleMonitor(ctx context.Context, job *domain.Job) error {
	var p domain.MonitorPayload
	if err := job.DecodePayload(&p); err != nil {
		return Permanent(err)
	}
	startup := job.Type == domain.JobMonitorStartup
	log := obs.LoggerFromContext(ctx).With("instance_id", p.InstanceID, "provider_id", p.ProviderID)

	inst, ok, err := h.cache.Get(ctx, p.InstanceID)
	if err != nil {
		return err
	}
	if !ok {
		return Permanent(fmt.Errorf("instance record vanished: %w", domain.ErrNotFound))
	}

	elapsed := time.Since(p.StartTime)
	if elapsed > time.Duration(p.MaxWaitTimeMs)*time.Millisecond {
		return h.monitorTimeout(ctx, inst, p, elapsed)
	}

	if startup && !p.InitiatedNotified {
		h.notify(ctx, p.WebhookURL, domain.WebhookEvent{
			InstanceID:       inst.ID,
			Status:           domain.WebhookStartupInitiated,
			Timestamp:        time.Now(),
			NovitaInstanceID: p.ProviderID,
			StartupOperation: operationLabel(p),
		})
		p.InitiatedNotified = true
	}

	pi, err := h.provider.GetInstance(ctx, p.ProviderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return h.monitorFail(ctx, inst, p, "provider record disappeared", elapsed)
		}
		return err
	}
	inst.SpotStatus = pi.SpotStatus

	switch pi.Status {
	case domain.StatusRunning:
		return h.monitorRunning(ctx, inst, p, pi, startup, elapsed)

	case domain.StatusCreating, domain.StatusCreated, domain.StatusStarting:
		if inst.Status != pi.Status && !startup {
			inst.Status = pi.Status
		}
		if err := h.cache.Set(ctx, inst); err != nil {
			return err
		}
		return h.reschedule(ctx, job.Type, p)

	case domain.StatusExited, domain.StatusStopped:
		if inst.Status == domain.StatusStopping || inst.Status == domain.StatusStopped {
			// A stop intent confirmed; the instance settled.
			inst.Status = domain.StatusStopped
			if err := h.cache.Set(ctx, inst); err != nil {
				return err
			}
			_ = h.ledger.Finish(ctx, inst.ID, domain.OpStop, domain.OpCompleted, "")
			log.Info("instance confirmed stopped")
			return nil
		}
		if pi.SpotReclaimed() {
			h.enqueueMigration(ctx, inst, pi)
		}
		return h.monitorFail(ctx, inst, p, "instance exited during startup", elapsed)

	case domain.StatusFailed:
		return h.monitorFail(ctx, inst, p, "provider reported failed", elapsed)

	case domain.StatusTerminated:
		inst.Status = domain.StatusTerminated
		if err := h.cache.SetWithTTL(ctx, inst, h.cfg.OrphanRetention); err != nil {
			return err
		}
		return h.monitorFail(ctx, inst, p, "instance terminated at provider", elapsed)

	default:
		// Ambiguous provider status: tolerate one extra poll, then fail.
		if p.AmbiguousSeen {
			return h.monitorFail(ctx, inst, p,
				fmt.Sprintf("provider status %q did not settle", pi.Status), elapsed)
		}
		p.AmbiguousSeen = true
		log.Warn("ambiguous provider status; polling once more", "status", pi.Status)
		return h.reschedule(ctx, job.Type, p)
	}
}

func operationLabel(p domain.MonitorPayload) string {
	if p.OperationID != "" {
		return "start"
	}
	return "create"
}

// monitorRunning probes readiness. A healthy verdict promotes to ready at
// once; only when the previous cycle was partial does promotion wait one
// extra confirming cycle.
func (h *Handlers) monitorRunning(ctx context.Context, inst domain.Instance, p domain.MonitorPayload, pi domain.ProviderInstance, startup bool, elapsed time.Duration) error {
	if inst.HealthCheck == nil {
		hc := domain.DefaultHealthCheckConfig()
		if p.HealthCheckConfig != nil {
			hc = *p.HealthCheckConfig
		}
		inst.HealthCheck = &domain.HealthCheckState{Config: hc}
	}
	if inst.Status != domain.StatusHealthChecking && inst.Status != domain.StatusReady {
		inst.Status = domain.StatusHealthChecking
		now := time.Now()
		inst.HealthCheck.Status = domain.HealthCheckInProgress
		inst.HealthCheck.StartedAt = &now
		if p.OperationID != "" {
			_ = h.ledger.Advance(ctx, inst.ID, domain.OpStart, domain.OpHealthChecking)
		}
	}

	hc := domain.DefaultHealthCheckConfig()
	if p.HealthCheckConfig != nil {
		hc = *p.HealthCheckConfig
	}
	report, err := h.prober.Probe(ctx, pi.PortMappings, hc, elapsed)
	if err != nil {
		return err
	}
	inst.HealthCheck.LastResult = &report

	switch report.Verdict {
	case domain.VerdictHealthy:
		if p.PartialStreak == 0 {
			return h.promoteReady(ctx, inst, p, elapsed)
		}
		// The previous cycle saw a partial verdict; hold ready for one more
		// confirming poll.
		p.PartialStreak = 0
	case domain.VerdictPartial:
		p.PartialStreak++
	default:
		p.PartialStreak = 0
	}
	if err := h.cache.Set(ctx, inst); err != nil {
		return err
	}
	jobType := domain.JobMonitorInstance
	if startup {
		jobType = domain.JobMonitorStartup
	}
	return h.reschedule(ctx, jobType, p)
}

// promoteReady finalizes a successful startup.
func (h *Handlers) promoteReady(ctx context.Context, inst domain.Instance, p domain.MonitorPayload, elapsed time.Duration) error {
	now := time.Now()
	inst.Status = domain.StatusReady
	inst.ReadyAt = &now
	// A freshly ready instance starts its idle clock now; otherwise auto-stop
	// would reclaim it before anyone can use it.
	inst.LastUsedAt = &now
	inst.LastError = ""
	if inst.HealthCheck != nil {
		inst.HealthCheck.Status = domain.HealthCheckCompleted
		inst.HealthCheck.CompletedAt = &now
	}
	if err := h.cache.Set(ctx, inst); err != nil {
		return err
	}
	if p.OperationID != "" {
		_ = h.ledger.Finish(ctx, inst.ID, domain.OpStart, domain.OpCompleted, "")
	}
	h.notify(ctx, p.WebhookURL, domain.WebhookEvent{
		InstanceID:       inst.ID,
		Status:           domain.WebhookStartupCompleted,
		Timestamp:        now,
		NovitaInstanceID: inst.ProviderID,
		ElapsedTimeMs:    elapsed.Milliseconds(),
		StartupOperation: operationLabel(p),
		HealthCheck:      inst.HealthCheck,
	})
	obs.LoggerFromContext(ctx).Info("instance ready",
		"instance_id", inst.ID, "elapsed_ms", elapsed.Milliseconds())
	return nil
}

func (h *Handlers) monitorTimeout(ctx context.Context, inst domain.Instance, p domain.MonitorPayload, elapsed time.Duration) error {
	return h.monitorFail(ctx, inst, p,
		fmt.Sprintf("startup did not complete within %dms", p.MaxWaitTimeMs), elapsed)
}

// monitorFail settles the operation as failed and notifies. The job itself
// completes: the failure is the outcome, not a handler error.
func (h *Handlers) monitorFail(ctx context.Context, inst domain.Instance, p domain.MonitorPayload, reason string, elapsed time.Duration) error {
	now := time.Now()
	inst.Status = domain.StatusFailed
	inst.FailedAt = &now
	inst.LastError = reason
	if inst.HealthCheck != nil && inst.HealthCheck.Status == domain.HealthCheckInProgress {
		inst.HealthCheck.Status = domain.HealthCheckFailed
		inst.HealthCheck.CompletedAt = &now
	}
	if err := h.cache.Set(ctx, inst); err != nil {
		return err
	}
	if p.OperationID != "" {
		_ = h.ledger.Finish(ctx, inst.ID, domain.OpStart, domain.OpFailed, reason)
	}
	status := domain.WebhookStartupFailed
	if elapsed > time.Duration(p.MaxWaitTimeMs)*time.Millisecond {
		status = domain.WebhookTimeout
	}
	h.notify(ctx, p.WebhookURL, domain.WebhookEvent{
		InstanceID:       inst.ID,
		Status:           status,
		Timestamp:        now,
		NovitaInstanceID: p.ProviderID,
		ElapsedTimeMs:    elapsed.Milliseconds(),
		Error:            reason,
		StartupOperation: operationLabel(p),
	})
	obs.LoggerFromContext(ctx).Warn("startup monitoring failed",
		"instance_id", inst.ID, "reason", reason)
	return nil
}

// reschedule queues the next poll of the same monitor.
func (h *Handlers) reschedule(ctx context.Context, t domain.JobType, p domain.MonitorPayload) error {
	interval := h.cfg.PollInterval
	if p.PollIntervalMs > 0 {
		interval = time.Duration(p.PollIntervalMs) * time.Millisecond
	}
	_, err := h.queue.Enqueue(ctx, t, p, domain.EnqueueOptions{
		Priority:    5,
		MaxAttempts: h.cfg.JobMaxAttempts,
		Delay:       interval,
	})
	return err
}

func (h *Handlers) enqueueMigration(ctx context.Context, inst domain.Instance, pi domain.ProviderInstance) {
	if !h.cfg.MigrationEnabled {
		return
	}
	_, err := h.queue.Enqueue(ctx, domain.JobMigrateSpot, domain.MigrateSpotPayload{
		InstanceID: inst.ID,
		ProviderID: pi.ID,
		Reason:     "spot_reclaimed_during_startup",
	}, domain.EnqueueOptions{Priority: 3, MaxAttempts: h.cfg.JobMaxAttempts})
	if err != nil {
		obs.LoggerFromContext(ctx).Warn("migration enqueue failed", "provider_id", pi.ID, "error", err)
	}
}

// HandleMigrateSpot migrates one reclaimed spot instance onto fresh capacity.
func (h *Handlers) HandleMigrateSpot(ctx context.Context, job *domain.Job) error {
	var p domain.MigrateSpotPayload
	if err := job.DecodePayload(&p); err != nil {
		return Permanent(err)
	}
	log := obs.LoggerFromContext(ctx).With("provider_id", p.ProviderID, "reason", p.Reason)

	if err := h.provider.MigrateInstance(ctx, p.ProviderID); err != nil {
		if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotFound) {
			return Permanent(err)
		}
		return err
	}
	log.Info("spot migration requested")

	if p.InstanceID == "" {
		return nil
	}
	inst, ok, err := h.cache.Get(ctx, p.InstanceID)
	if err != nil || !ok {
		return err
	}
	inst.Status = domain.StatusStarting
	inst.SpotStatus = ""
	if err := h.cache.Set(ctx, inst); err != nil {
		return err
	}
	hc := domain.DefaultHealthCheckConfig()
	if inst.HealthCheck != nil {
		hc = inst.HealthCheck.Config
	}
	_, err = h.queue.Enqueue(ctx, domain.JobMonitorStartup, domain.MonitorPayload{
		InstanceID:        inst.ID,
		ProviderID:        inst.ProviderID,
		StartTime:         time.Now(),
		MaxWaitTimeMs:     int(h.cfg.InstanceStartupTimeout.Milliseconds()),
		PollIntervalMs:    int(h.cfg.PollInterval.Milliseconds()),
		HealthCheckConfig: &hc,
		WebhookURL:        inst.WebhookURL,
	}, domain.EnqueueOptions{Priority: 5, MaxAttempts: h.cfg.JobMaxAttempts})
	return err
}

// HandleSendWebhook delivers one queued event. Delivery is best-effort: the
// sender owns its retry ladder, so a receiver that stays down completes the
// job anyway.
func (h *Handlers) HandleSendWebhook(ctx context.Context, job *domain.Job) error {
	var p domain.SendWebhookPayload
	if err := job.DecodePayload(&p); err != nil {
		return Permanent(err)
	}
	if err := h.webhook.Send(ctx, p.URL, p.Event); err != nil {
		obs.LoggerFromContext(ctx).Warn("webhook delivery gave up",
			"url", p.URL, "status", p.Event.Status, "error", err)
	}
	return nil
}
