// Package domain holds the core entities, error taxonomy, and ports of the
// GPU instance orchestrator. Adapters implement the ports; usecases and
// workers depend only on this package.
package domain

import (
	"errors"
	"regexp"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrValidation      = errors.New("validation error")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrNotStartable    = errors.New("instance not startable")
	ErrNotDeletable    = errors.New("instance not deletable")
	ErrRateLimited     = errors.New("rate limited")
	ErrCircuitOpen     = errors.New("circuit breaker open")
	ErrTimeout         = errors.New("request timeout")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrProvider        = errors.New("provider error")
	ErrFeatureDisabled = errors.New("feature disabled")
	ErrCache           = errors.New("cache error")
	ErrInternal        = errors.New("internal error")
)

// InstanceStatus enumerates the lifecycle states of an instance.
type InstanceStatus string

const (
	StatusCreating       InstanceStatus = "creating"
	StatusCreated        InstanceStatus = "created"
	StatusStarting       InstanceStatus = "starting"
	StatusRunning        InstanceStatus = "running"
	StatusHealthChecking InstanceStatus = "health_checking"
	StatusReady          InstanceStatus = "ready"
	StatusStopping       InstanceStatus = "stopping"
	StatusStopped        InstanceStatus = "stopped"
	StatusExited         InstanceStatus = "exited"
	StatusFailed         InstanceStatus = "failed"
	StatusTerminated     InstanceStatus = "terminated"
)

// IsTerminal reports whether the status admits no further transitions.
// Only terminated is absorbing; failed/exited/stopped instances may be
// restarted or migrated.
func (s InstanceStatus) IsTerminal() bool { return s == StatusTerminated }

// Startable reports whether a start intent is valid from this status.
func (s InstanceStatus) Startable() bool {
	return s == StatusExited || s == StatusStopped
}

// NameRe is the instance name format: 1-100 chars of [A-Za-z0-9_-].
var NameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// InstanceConfig is the provisioning block composed from product, template
// and caller overrides.
type InstanceConfig struct {
	GPUCount   int               `json:"gpuCount"`
	RootDiskGB int               `json:"rootDiskGB"`
	Region     string            `json:"region"`
	ImageRef   string            `json:"imageRef"`
	ImageAuth  string            `json:"imageAuth,omitempty"`
	Ports      []int             `json:"ports,omitempty"`
	EnvVars    map[string]string `json:"envVars,omitempty"`
}

// HealthCheckConfig tunes the readiness-probe subsystem for one instance.
// Bounds are enforced at intent validation: TimeoutMs in [1000,300000],
// MaxWaitTimeMs in [30000,1800000], RetryAttempts in [0,10].
type HealthCheckConfig struct {
	TimeoutMs     int `json:"timeoutMs"`
	RetryAttempts int `json:"retryAttempts"`
	RetryDelayMs  int `json:"retryDelayMs"`
	MaxWaitTimeMs int `json:"maxWaitTimeMs"`
	TargetPort    int `json:"targetPort,omitempty"`
}

// DefaultHealthCheckConfig returns the probe tuning used when the caller
// supplies none.
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		TimeoutMs:     10000,
		RetryAttempts: 2,
		RetryDelayMs:  2000,
		MaxWaitTimeMs: 300000,
	}
}

// HealthCheckStatus enumerates the phases of the per-instance health check.
type HealthCheckStatus string

const (
	HealthCheckPending    HealthCheckStatus = "pending"
	HealthCheckInProgress HealthCheckStatus = "in_progress"
	HealthCheckCompleted  HealthCheckStatus = "completed"
	HealthCheckFailed     HealthCheckStatus = "failed"
)

// HealthCheckState records the health check lifecycle on the instance.
type HealthCheckState struct {
	Status      HealthCheckStatus `json:"status"`
	Config      HealthCheckConfig `json:"config"`
	LastResult  *ProbeReport      `json:"lastResult,omitempty"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// Instance is the cached record of a GPU compute node. The instances cache is
// authoritative between reconciliations.
//
// Invariants: StatusReady implies ProviderID != "" and ReadyAt set;
// terminated is absorbing; a name maps to at most one non-terminated instance.
type Instance struct {
	ID         string         `json:"id"`
	ProviderID string         `json:"providerId,omitempty"`
	Name       string         `json:"name"`
	Status     InstanceStatus `json:"status"`
	ProductID  string         `json:"productId"`
	TemplateID string         `json:"templateId"`
	Config     InstanceConfig `json:"config"`

	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	ReadyAt      *time.Time `json:"readyAt,omitempty"`
	FailedAt     *time.Time `json:"failedAt,omitempty"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`

	HealthCheck *HealthCheckState `json:"healthCheck,omitempty"`
	WebhookURL  string            `json:"webhookUrl,omitempty"`
	LastError   string            `json:"lastError,omitempty"`

	// SpotStatus carries the provider's spot indicator verbatim
	// ("reclaimed" marks an instance eligible for migration).
	SpotStatus string `json:"spotStatus,omitempty"`
}

// EffectiveLastUsed returns LastUsedAt, falling back to CreatedAt when the
// usage timestamp was never recorded.
func (i Instance) EffectiveLastUsed() time.Time {
	if i.LastUsedAt != nil && !i.LastUsedAt.IsZero() {
		return *i.LastUsedAt
	}
	return i.CreatedAt
}
