// Package usecase holds the intent layer: the instance service validates
// client intents, records them in the operation ledger, and hands the work
// to the durable queue. Provider calls on the intent path are limited to the
// single action that acknowledges the intent; everything else is async.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/config"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/domain"
	obs "github.com/fairyhunter13/gpu-instance-orchestrator/internal/observability"
)

// CreateInstanceRequest is the inbound create intent.
type CreateInstanceRequest struct {
	Name        string                    `json:"name" validate:"required"`
	ProductName string                    `json:"productName" validate:"required"`
	TemplateID  string                    `json:"templateId" validate:"required"`
	GPUCount    int                       `json:"gpuCount"`
	RootDiskGB  int                       `json:"rootDiskGB"`
	Region      string                    `json:"region"`
	WebhookURL  string                    `json:"webhookUrl" validate:"omitempty,url"`
	HealthCheck *domain.HealthCheckConfig `json:"healthCheck"`
}

// IntentResponse acknowledges an accepted intent.
type IntentResponse struct {
	InstanceID         string     `json:"instanceId"`
	ProviderID         string     `json:"providerId,omitempty"`
	OperationID        string     `json:"operationId,omitempty"`
	Status             string     `json:"status"`
	Message            string     `json:"message"`
	EstimatedReadyTime *time.Time `json:"estimatedReadyTime,omitempty"`
}

// StartOptions carries the optional per-start overrides.
type StartOptions struct {
	HealthCheck *domain.HealthCheckConfig `json:"healthCheckConfig"`
	TargetPort  int                       `json:"targetPort"`
	WebhookURL  string                    `json:"webhookUrl" validate:"omitempty,url"`
}

// StopOptions overrides where the stop-confirmation webhook is delivered.
type StopOptions struct {
	WebhookURL string `json:"webhookUrl" validate:"omitempty,url"`
}

// DeleteOptions overrides where the deletion webhook is delivered.
type DeleteOptions struct {
	WebhookURL string `json:"webhookUrl" validate:"omitempty,url"`
}

// ListOptions selects which views feed a listing. Source is one of all,
// local, provider; empty means all.
type ListOptions struct {
	Source              string
	IncludeProviderOnly bool
	SyncLocalState      bool
}

// ListResult is the combined listing.
type ListResult struct {
	Instances   []domain.Instance `json:"instances"`
	Total       int               `json:"total"`
	Sources     map[string]int    `json:"sources,omitempty"`
	Performance map[string]int64  `json:"performance,omitempty"`
}

// Service is the instance lifecycle façade.
type Service struct {
	cfg      config.Config
	cache    domain.InstanceCache
	queue    domain.Queue
	provider domain.ProviderClient
	ledger   domain.OperationLedger
	validate *validator.Validate
}

// NewService wires the façade. All dependencies are required.
func NewService(cfg config.Config, cache domain.InstanceCache, queue domain.Queue, provider domain.ProviderClient, ledger domain.OperationLedger) (*Service, error) {
	if cache == nil || queue == nil || provider == nil || ledger == nil {
		return nil, errors.New("op=usecase.NewService: nil dependency")
	}
	return &Service{
		cfg:      cfg,
		cache:    cache,
		queue:    queue,
		provider: provider,
		ledger:   ledger,
		validate: validator.New(),
	}, nil
}

// applyDefaults fills unset create fields.
func (s *Service) applyDefaults(req *CreateInstanceRequest) {
	if req.GPUCount == 0 {
		req.GPUCount = 1
	}
	if req.RootDiskGB == 0 {
		req.RootDiskGB = 60
	}
	if req.Region == "" {
		req.Region = s.cfg.DefaultRegion
	}
	if req.HealthCheck == nil {
		hc := domain.DefaultHealthCheckConfig()
		req.HealthCheck = &hc
	} else {
		merged := mergeHealthCheckDefaults(*req.HealthCheck)
		req.HealthCheck = &merged
	}
}

// validateCreate enforces the intent bounds.
func (s *Service) validateCreate(req CreateInstanceRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if !domain.NameRe.MatchString(req.Name) {
		return fmt.Errorf("%w: name must match %s", domain.ErrValidation, domain.NameRe.String())
	}
	if req.GPUCount < 1 || req.GPUCount > 8 {
		return fmt.Errorf("%w: gpuCount must be in [1,8]", domain.ErrValidation)
	}
	if req.RootDiskGB < 20 || req.RootDiskGB > 1000 {
		return fmt.Errorf("%w: rootDiskGB must be in [20,1000]", domain.ErrValidation)
	}
	if !s.cfg.RegionAllowed(req.Region) {
		return fmt.Errorf("%w: region %q is not in the allow-list", domain.ErrValidation, req.Region)
	}
	return validateHealthCheck(*req.HealthCheck)
}

// validateHealthCheck enforces probe config bounds.
func validateHealthCheck(hc domain.HealthCheckConfig) error {
	if hc.TimeoutMs < 1000 || hc.TimeoutMs > 300000 {
		return fmt.Errorf("%w: healthCheck.timeoutMs must be in [1000,300000]", domain.ErrValidation)
	}
	if hc.MaxWaitTimeMs < 30000 || hc.MaxWaitTimeMs > 1800000 {
		return fmt.Errorf("%w: healthCheck.maxWaitTimeMs must be in [30000,1800000]", domain.ErrValidation)
	}
	if hc.RetryAttempts < 0 || hc.RetryAttempts > 10 {
		return fmt.Errorf("%w: healthCheck.retryAttempts must be in [0,10]", domain.ErrValidation)
	}
	if hc.TargetPort != 0 && (hc.TargetPort < 1 || hc.TargetPort > 65535) {
		return fmt.Errorf("%w: healthCheck.targetPort must be in [1,65535]", domain.ErrValidation)
	}
	return nil
}

// mergeHealthCheckDefaults fills unset timing fields.
func mergeHealthCheckDefaults(hc domain.HealthCheckConfig) domain.HealthCheckConfig {
	def := domain.DefaultHealthCheckConfig()
	if hc.TimeoutMs == 0 {
		hc.TimeoutMs = def.TimeoutMs
	}
	if hc.RetryDelayMs == 0 {
		hc.RetryDelayMs = def.RetryDelayMs
	}
	if hc.MaxWaitTimeMs == 0 {
		hc.MaxWaitTimeMs = def.MaxWaitTimeMs
	}
	return hc
}

// Create accepts a provisioning intent and queues the create flow.
func (s *Service) Create(ctx context.Context, req CreateInstanceRequest) (IntentResponse, error) {
	s.applyDefaults(&req)
	if err := s.validateCreate(req); err != nil {
		return IntentResponse{}, err
	}
	if existing, ok, err := s.cache.FindByName(ctx, req.Name); err != nil {
		return IntentResponse{}, err
	} else if ok {
		return IntentResponse{}, fmt.Errorf("%w: instance named %q already exists (id=%s)",
			domain.ErrConflict, req.Name, existing.ID)
	}

	now := time.Now()
	inst := domain.Instance{
		ID:         uuid.NewString(),
		Name:       req.Name,
		Status:     domain.StatusCreating,
		TemplateID: req.TemplateID,
		Config: domain.InstanceConfig{
			GPUCount:   req.GPUCount,
			RootDiskGB: req.RootDiskGB,
			Region:     req.Region,
		},
		CreatedAt:  now,
		WebhookURL: req.WebhookURL,
		HealthCheck: &domain.HealthCheckState{
			Status: domain.HealthCheckPending,
			Config: *req.HealthCheck,
		},
	}
	if err := s.cache.Set(ctx, inst); err != nil {
		return IntentResponse{}, err
	}

	payload := domain.CreateInstancePayload{
		InstanceID:        inst.ID,
		Name:              req.Name,
		ProductName:       req.ProductName,
		TemplateID:        req.TemplateID,
		GPUCount:          req.GPUCount,
		RootDiskGB:        req.RootDiskGB,
		Region:            req.Region,
		WebhookURL:        req.WebhookURL,
		HealthCheckConfig: req.HealthCheck,
	}
	if _, err := s.queue.Enqueue(ctx, domain.JobCreateInstance, payload, domain.EnqueueOptions{
		Priority:    10,
		MaxAttempts: s.cfg.JobMaxAttempts,
	}); err != nil {
		return IntentResponse{}, err
	}

	eta := now.Add(s.cfg.InstanceStartupTimeout)
	obs.LoggerFromContext(ctx).Info("create intent accepted",
		"instance_id", inst.ID, "name", req.Name, "product", req.ProductName)
	return IntentResponse{
		InstanceID:         inst.ID,
		Status:             string(domain.StatusCreating),
		Message:            "instance creation queued",
		EstimatedReadyTime: &eta,
	}, nil
}

// Resolve finds an instance by local id, then name, then provider id.
func (s *Service) Resolve(ctx context.Context, ref string) (domain.Instance, error) {
	if inst, ok, err := s.cache.Get(ctx, ref); err != nil {
		return domain.Instance{}, err
	} else if ok {
		return inst, nil
	}
	if inst, ok, err := s.cache.FindByName(ctx, ref); err != nil {
		return domain.Instance{}, err
	} else if ok {
		return inst, nil
	}
	// Last resort: the reference may be a provider id the cache never saw.
	pi, err := s.provider.GetInstance(ctx, ref)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Instance{}, fmt.Errorf("instance %q: %w", ref, domain.ErrNotFound)
		}
		return domain.Instance{}, err
	}
	inst := instanceFromProvider(pi)
	if err := s.cache.Set(ctx, inst); err != nil {
		return domain.Instance{}, err
	}
	return inst, nil
}

// instanceFromProvider adopts a provider record the cache never saw.
func instanceFromProvider(pi domain.ProviderInstance) domain.Instance {
	now := time.Now()
	return domain.Instance{
		ID:         uuid.NewString(),
		ProviderID: pi.ID,
		Name:       pi.Name,
		Status:     pi.Status,
		ProductID:  pi.ProductID,
		Config:     domain.InstanceConfig{Region: pi.Region},
		CreatedAt:  now,
		SpotStatus: pi.SpotStatus,
	}
}

// Get returns one instance.
func (s *Service) Get(ctx context.Context, ref string) (domain.Instance, error) {
	return s.Resolve(ctx, ref)
}

// List returns instances from the selected sources. source=local serves the
// cache alone; provider pages the provider inventory; all merges both. With
// SyncLocalState set, provider truth is written back to matching local
// records on the way out.
func (s *Service) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	source := opts.Source
	if source == "" {
		source = "all"
	}
	if source != "all" && source != "local" && source != "provider" {
		return ListResult{}, fmt.Errorf("%w: source must be one of all, local, provider", domain.ErrValidation)
	}

	start := time.Now()
	res := ListResult{Performance: map[string]int64{}}

	// The local view is always loaded; the provider view needs it to map
	// provider ids back onto local records.
	t0 := time.Now()
	local, err := s.cache.List(ctx)
	if err != nil {
		return ListResult{}, err
	}
	res.Performance["localMs"] = time.Since(t0).Milliseconds()

	var remote []domain.ProviderInstance
	if source != "local" {
		t0 := time.Now()
		var err error
		remote, err = s.listProviderInstances(ctx)
		if err != nil {
			return ListResult{}, err
		}
		res.Performance["providerMs"] = time.Since(t0).Milliseconds()
	}

	switch source {
	case "local":
		res.Instances = local
	case "provider":
		byProviderID := indexByProviderID(local)
		for _, pi := range remote {
			res.Instances = append(res.Instances, s.projectProvider(pi, byProviderID))
		}
	default:
		res.Instances = local
		res.Sources = map[string]int{"local": len(local), "provider": len(remote)}
		byProviderID := indexByProviderID(local)
		for _, pi := range remote {
			inst, known := byProviderID[pi.ID]
			if !known {
				if opts.IncludeProviderOnly {
					res.Instances = append(res.Instances, s.projectProvider(pi, nil))
				}
				continue
			}
			if opts.SyncLocalState {
				if synced, changed := s.syncFromProvider(ctx, inst, pi); changed {
					for i := range res.Instances {
						if res.Instances[i].ID == synced.ID {
							res.Instances[i] = synced
						}
					}
				}
			}
		}
	}

	res.Total = len(res.Instances)
	res.Performance["totalMs"] = time.Since(start).Milliseconds()
	return res, nil
}

// listProviderInstances drains the provider's paginated inventory.
func (s *Service) listProviderInstances(ctx context.Context) ([]domain.ProviderInstance, error) {
	var out []domain.ProviderInstance
	cursor := ""
	for {
		page, err := s.provider.ListInstances(ctx, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Instances...)
		if page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

func indexByProviderID(instances []domain.Instance) map[string]domain.Instance {
	byID := make(map[string]domain.Instance, len(instances))
	for _, inst := range instances {
		if inst.ProviderID != "" {
			byID[inst.ProviderID] = inst
		}
	}
	return byID
}

// projectProvider is a read-only view of a provider record. A record the
// cache knows keeps its local id; an unknown one carries only the provider
// id, so the caller can tell it was never adopted.
func (s *Service) projectProvider(pi domain.ProviderInstance, byProviderID map[string]domain.Instance) domain.Instance {
	if local, ok := byProviderID[pi.ID]; ok {
		local.Status = pi.Status
		local.SpotStatus = pi.SpotStatus
		return local
	}
	return domain.Instance{
		ProviderID: pi.ID,
		Name:       pi.Name,
		Status:     pi.Status,
		ProductID:  pi.ProductID,
		Config:     domain.InstanceConfig{Region: pi.Region},
		SpotStatus: pi.SpotStatus,
	}
}

// syncFromProvider writes provider truth back onto a cached record.
// Transitional states stay with the monitor that owns them.
func (s *Service) syncFromProvider(ctx context.Context, inst domain.Instance, pi domain.ProviderInstance) (domain.Instance, bool) {
	if inst.Status == domain.StatusHealthChecking && pi.Status == domain.StatusRunning {
		return inst, false
	}
	if inst.Status == pi.Status && inst.SpotStatus == pi.SpotStatus {
		return inst, false
	}
	now := time.Now()
	inst.Status = pi.Status
	inst.SpotStatus = pi.SpotStatus
	inst.LastSyncedAt = &now
	if err := s.cache.Set(ctx, inst); err != nil {
		obs.LoggerFromContext(ctx).Warn("list sync write failed", "instance_id", inst.ID, "error", err)
		return inst, false
	}
	return inst, true
}

// Start requests a start on a stopped instance. Duplicate intents collapse
// onto the live operation. Options override the health-check config, the
// probed port, and the webhook target for this start only.
func (s *Service) Start(ctx context.Context, ref string, opts StartOptions) (IntentResponse, error) {
	if err := s.validate.Struct(opts); err != nil {
		return IntentResponse{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if opts.TargetPort != 0 && (opts.TargetPort < 1 || opts.TargetPort > 65535) {
		return IntentResponse{}, fmt.Errorf("%w: targetPort must be in [1,65535]", domain.ErrValidation)
	}
	if opts.HealthCheck != nil {
		merged := mergeHealthCheckDefaults(*opts.HealthCheck)
		if err := validateHealthCheck(merged); err != nil {
			return IntentResponse{}, err
		}
		opts.HealthCheck = &merged
	}

	inst, err := s.Resolve(ctx, ref)
	if err != nil {
		return IntentResponse{}, err
	}
	if inst.Status == domain.StatusReady || inst.Status == domain.StatusRunning {
		return IntentResponse{
			InstanceID: inst.ID,
			ProviderID: inst.ProviderID,
			Status:     string(inst.Status),
			Message:    "instance is already running",
		}, nil
	}
	if !inst.Status.Startable() {
		return IntentResponse{}, fmt.Errorf("%w: cannot start from status %q", domain.ErrNotStartable, inst.Status)
	}
	if inst.ProviderID == "" {
		return IntentResponse{}, fmt.Errorf("%w: instance has no provider record", domain.ErrNotStartable)
	}

	op, created, err := s.ledger.Begin(ctx, inst.ID, domain.OpStart)
	if err != nil {
		return IntentResponse{}, err
	}
	if !created {
		return IntentResponse{
			InstanceID:  inst.ID,
			ProviderID:  inst.ProviderID,
			OperationID: op.ID,
			Status:      string(inst.Status),
			Message:     "start already in progress",
		}, nil
	}

	if err := s.provider.StartInstance(ctx, inst.ProviderID); err != nil {
		_ = s.ledger.Finish(ctx, inst.ID, domain.OpStart, domain.OpFailed, err.Error())
		return IntentResponse{}, err
	}
	inst.Status = domain.StatusStarting
	now := time.Now()
	inst.StartedAt = &now

	hc := domain.DefaultHealthCheckConfig()
	if inst.HealthCheck != nil {
		hc = inst.HealthCheck.Config
	}
	if opts.HealthCheck != nil {
		hc = *opts.HealthCheck
	}
	if opts.TargetPort != 0 {
		hc.TargetPort = opts.TargetPort
	}
	if opts.WebhookURL != "" {
		inst.WebhookURL = opts.WebhookURL
	}
	if inst.HealthCheck == nil {
		inst.HealthCheck = &domain.HealthCheckState{Status: domain.HealthCheckPending}
	}
	inst.HealthCheck.Config = hc

	if err := s.cache.Set(ctx, inst); err != nil {
		return IntentResponse{}, err
	}
	if err := s.enqueueMonitor(ctx, domain.JobMonitorStartup, inst, op.ID, &hc); err != nil {
		return IntentResponse{}, err
	}
	eta := now.Add(time.Duration(hc.MaxWaitTimeMs) * time.Millisecond)
	return IntentResponse{
		InstanceID:         inst.ID,
		ProviderID:         inst.ProviderID,
		OperationID:        op.ID,
		Status:             string(domain.StatusStarting),
		Message:            "instance start queued",
		EstimatedReadyTime: &eta,
	}, nil
}

func (s *Service) enqueueMonitor(ctx context.Context, t domain.JobType, inst domain.Instance, opID string, hc *domain.HealthCheckConfig) error {
	maxWait := int(s.cfg.InstanceStartupTimeout.Milliseconds())
	if hc != nil && hc.MaxWaitTimeMs > 0 {
		maxWait = hc.MaxWaitTimeMs
	}
	_, err := s.queue.Enqueue(ctx, t, domain.MonitorPayload{
		InstanceID:        inst.ID,
		ProviderID:        inst.ProviderID,
		OperationID:       opID,
		StartTime:         time.Now(),
		MaxWaitTimeMs:     maxWait,
		PollIntervalMs:    int(s.cfg.PollInterval.Milliseconds()),
		HealthCheckConfig: hc,
		WebhookURL:        inst.WebhookURL,
	}, domain.EnqueueOptions{Priority: 5, MaxAttempts: s.cfg.JobMaxAttempts})
	return err
}

// Stop requests a stop. The monitor confirms the exited state async.
func (s *Service) Stop(ctx context.Context, ref string, opts StopOptions) (IntentResponse, error) {
	if err := s.validate.Struct(opts); err != nil {
		return IntentResponse{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	inst, err := s.Resolve(ctx, ref)
	if err != nil {
		return IntentResponse{}, err
	}
	if opts.WebhookURL != "" {
		inst.WebhookURL = opts.WebhookURL
	}
	if inst.Status == domain.StatusStopped || inst.Status == domain.StatusExited {
		return IntentResponse{
			InstanceID: inst.ID,
			ProviderID: inst.ProviderID,
			Status:     string(inst.Status),
			Message:    "instance is already stopped",
		}, nil
	}
	if inst.ProviderID == "" {
		return IntentResponse{}, fmt.Errorf("%w: instance has no provider record", domain.ErrValidation)
	}

	op, created, err := s.ledger.Begin(ctx, inst.ID, domain.OpStop)
	if err != nil {
		return IntentResponse{}, err
	}
	if !created {
		return IntentResponse{
			InstanceID:  inst.ID,
			ProviderID:  inst.ProviderID,
			OperationID: op.ID,
			Status:      string(inst.Status),
			Message:     "stop already in progress",
		}, nil
	}

	if err := s.provider.StopInstance(ctx, inst.ProviderID); err != nil {
		_ = s.ledger.Finish(ctx, inst.ID, domain.OpStop, domain.OpFailed, err.Error())
		return IntentResponse{}, err
	}
	inst.Status = domain.StatusStopping
	if err := s.cache.Set(ctx, inst); err != nil {
		return IntentResponse{}, err
	}
	if err := s.enqueueMonitor(ctx, domain.JobMonitorInstance, inst, op.ID, nil); err != nil {
		return IntentResponse{}, err
	}
	return IntentResponse{
		InstanceID:  inst.ID,
		ProviderID:  inst.ProviderID,
		OperationID: op.ID,
		Status:      string(domain.StatusStopping),
		Message:     "instance stop queued",
	}, nil
}

// Delete releases the instance. A record with no provider id only clears
// local state.
func (s *Service) Delete(ctx context.Context, ref string, opts DeleteOptions) (IntentResponse, error) {
	if err := s.validate.Struct(opts); err != nil {
		return IntentResponse{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	inst, err := s.Resolve(ctx, ref)
	if err != nil {
		return IntentResponse{}, err
	}
	if opts.WebhookURL != "" {
		inst.WebhookURL = opts.WebhookURL
	}
	if inst.ProviderID == "" {
		if err := s.cache.Delete(ctx, inst.ID); err != nil {
			return IntentResponse{}, err
		}
		return IntentResponse{
			InstanceID: inst.ID,
			Status:     domain.WebhookDeleted,
			Message:    "local record removed; instance had no provider resource",
		}, nil
	}

	op, created, err := s.ledger.Begin(ctx, inst.ID, domain.OpDelete)
	if err != nil {
		return IntentResponse{}, err
	}
	if !created {
		return IntentResponse{
			InstanceID:  inst.ID,
			ProviderID:  inst.ProviderID,
			OperationID: op.ID,
			Status:      string(inst.Status),
			Message:     "delete already in progress",
		}, nil
	}

	if err := s.provider.DeleteInstance(ctx, inst.ProviderID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		_ = s.ledger.Finish(ctx, inst.ID, domain.OpDelete, domain.OpFailed, err.Error())
		return IntentResponse{}, fmt.Errorf("%w: %v", domain.ErrNotDeletable, err)
	}
	inst.Status = domain.StatusTerminated
	if err := s.cache.SetWithTTL(ctx, inst, s.cfg.OrphanRetention); err != nil {
		return IntentResponse{}, err
	}
	_ = s.ledger.Finish(ctx, inst.ID, domain.OpDelete, domain.OpCompleted, "")

	if inst.WebhookURL != "" {
		_, _ = s.queue.Enqueue(ctx, domain.JobSendWebhook, domain.SendWebhookPayload{
			URL: inst.WebhookURL,
			Event: domain.WebhookEvent{
				InstanceID:       inst.ID,
				Status:           domain.WebhookDeleted,
				Timestamp:        time.Now(),
				NovitaInstanceID: inst.ProviderID,
			},
		}, domain.EnqueueOptions{Priority: 1})
	}
	return IntentResponse{
		InstanceID:  inst.ID,
		ProviderID:  inst.ProviderID,
		OperationID: op.ID,
		Status:      domain.WebhookDeleted,
		Message:     "instance deleted",
	}, nil
}

// UpdateLastUsed bumps the idle clock. A nil timestamp means now; an
// explicit one must not be in the future.
func (s *Service) UpdateLastUsed(ctx context.Context, ref string, at *time.Time) (domain.Instance, error) {
	inst, err := s.Resolve(ctx, ref)
	if err != nil {
		return domain.Instance{}, err
	}
	now := time.Now()
	ts := now
	if at != nil {
		if at.After(now.Add(time.Minute)) {
			return domain.Instance{}, fmt.Errorf("%w: lastUsedAt cannot be in the future", domain.ErrValidation)
		}
		ts = *at
	}
	inst.LastUsedAt = &ts
	if err := s.cache.Set(ctx, inst); err != nil {
		return domain.Instance{}, err
	}
	return inst, nil
}
