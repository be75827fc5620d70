// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// Provider endpoints and credentials. Instance management and internal
	// operations (migration) are separate endpoint families with independent
	// API keys.
	ProviderBaseURL     string        `env:"NOVITA_API_URL" envDefault:"https://api.novita.ai/gpu-instance/openapi"`
	ProviderInternalURL string        `env:"NOVITA_INTERNAL_API_URL" envDefault:"https://api.novita.ai/gpu-instance/internal"`
	ProviderAPIKey      string        `env:"NOVITA_API_KEY"`
	ProviderInternalKey string        `env:"NOVITA_INTERNAL_API_KEY"`
	ProviderTimeout     time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"30s"`
	ProviderMaxRetries  int           `env:"PROVIDER_MAX_RETRIES" envDefault:"3"`

	// Provider client throttling and breaker.
	RateLimitRequests       int           `env:"PROVIDER_RATE_LIMIT_REQUESTS" envDefault:"100"`
	RateLimitWindow         time.Duration `env:"PROVIDER_RATE_LIMIT_WINDOW" envDefault:"60s"`
	CircuitMaxFailures      int           `env:"CIRCUIT_MAX_FAILURES" envDefault:"5"`
	CircuitOpenTimeout      time.Duration `env:"CIRCUIT_OPEN_TIMEOUT" envDefault:"60s"`
	CircuitSuccessThreshold int           `env:"CIRCUIT_SUCCESS_THRESHOLD" envDefault:"3"`

	// KV store (Redis or Upstash-compatible) with in-process fallback.
	RedisURL          string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisKeyPrefix    string `env:"REDIS_KEY_PREFIX" envDefault:"gpuorch"`
	KVFallbackEnabled bool   `env:"KV_FALLBACK_ENABLED" envDefault:"true"`
	// KVFailoverThreshold: consecutive transient remote failures before the
	// adapter downgrades to the in-process fallback.
	KVFailoverThreshold int `env:"KV_FAILOVER_THRESHOLD" envDefault:"3"`

	// Lifecycle polling.
	PollInterval           time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	InstanceStartupTimeout time.Duration `env:"INSTANCE_STARTUP_TIMEOUT" envDefault:"10m"`
	DefaultRegion          string        `env:"DEFAULT_REGION" envDefault:"CN-HK-01"`

	// Auto-stop controller.
	AutoStopInterval  time.Duration `env:"AUTO_STOP_INTERVAL" envDefault:"5m"`
	AutoStopThreshold time.Duration `env:"AUTO_STOP_THRESHOLD" envDefault:"20m"`

	// Spot migration controller.
	MigrationEnabled     bool          `env:"MIGRATION_ENABLED" envDefault:"true"`
	MigrationInterval    time.Duration `env:"MIGRATION_INTERVAL" envDefault:"15m"`
	MigrationDryRun      bool          `env:"MIGRATION_DRY_RUN" envDefault:"false"`
	MigrationConcurrency int           `env:"MIGRATION_CONCURRENCY" envDefault:"30"`

	// Startup reconciliation.
	SyncLockTTL     time.Duration `env:"SYNC_LOCK_TTL" envDefault:"5m"`
	OrphanDelete    bool          `env:"ORPHAN_DELETE" envDefault:"false"`
	OrphanRetention time.Duration `env:"ORPHAN_RETENTION" envDefault:"168h"`

	// Webhooks.
	WebhookSecret     string        `env:"WEBHOOK_SECRET"`
	WebhookTimeout    time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
	WebhookMaxRetries int           `env:"WEBHOOK_MAX_RETRIES" envDefault:"3"`

	// Worker pool and job handling.
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	JobMaxAttempts    int           `env:"JOB_MAX_ATTEMPTS" envDefault:"3"`
	JobRetryBase      time.Duration `env:"JOB_RETRY_BASE" envDefault:"1s"`
	JobRetryCap       time.Duration `env:"JOB_RETRY_CAP" envDefault:"30s"`
	ShutdownGrace     time.Duration `env:"SHUTDOWN_GRACE" envDefault:"10s"`

	// Cache layer.
	CacheMaxSize         int           `env:"CACHE_MAX_SIZE" envDefault:"1000"`
	CacheDefaultTTL      time.Duration `env:"CACHE_DEFAULT_TTL" envDefault:"30m"`
	CacheCleanupInterval time.Duration `env:"CACHE_CLEANUP_INTERVAL" envDefault:"5m"`

	// Inbound HTTP.
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Observability.
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"gpu-instance-orchestrator"`

	// OverridesFile optionally points at a YAML file with region and
	// per-job-type timeout overrides.
	OverridesFile string `env:"CONFIG_OVERRIDES_FILE" envDefault:""`

	overrides *Overrides
}

// Load parses environment variables into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.OverridesFile != "" {
		ov, err := LoadOverrides(cfg.OverridesFile)
		if err != nil {
			return Config{}, fmt.Errorf("op=config.Load overrides: %w", err)
		}
		cfg.overrides = ov
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate fails fast on configuration that cannot drive a correct process.
func (c Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("op=config.Validate: PORT out of range: %d", c.Port)
	case c.WorkerConcurrency < 1:
		return fmt.Errorf("op=config.Validate: WORKER_CONCURRENCY must be >= 1")
	case c.RateLimitRequests < 1 || c.RateLimitWindow <= 0:
		return fmt.Errorf("op=config.Validate: provider rate limit must be positive")
	case c.CircuitMaxFailures < 1 || c.CircuitSuccessThreshold < 1:
		return fmt.Errorf("op=config.Validate: circuit thresholds must be >= 1")
	case c.PollInterval <= 0 || c.InstanceStartupTimeout <= 0:
		return fmt.Errorf("op=config.Validate: poll interval and startup timeout must be positive")
	case c.AutoStopInterval <= 0 || c.AutoStopThreshold <= 0:
		return fmt.Errorf("op=config.Validate: auto-stop interval and threshold must be positive")
	case c.MigrationConcurrency < 1:
		return fmt.Errorf("op=config.Validate: MIGRATION_CONCURRENCY must be >= 1")
	case c.JobMaxAttempts < 1:
		return fmt.Errorf("op=config.Validate: JOB_MAX_ATTEMPTS must be >= 1")
	case c.CacheMaxSize < 1:
		return fmt.Errorf("op=config.Validate: CACHE_MAX_SIZE must be >= 1")
	}
	if !c.IsTest() && c.ProviderAPIKey == "" {
		return fmt.Errorf("op=config.Validate: NOVITA_API_KEY is required")
	}
	return nil
}

// AllowedRegions returns the region allow-list, with overrides applied.
func (c Config) AllowedRegions() []string {
	if c.overrides != nil && len(c.overrides.AllowedRegions) > 0 {
		return c.overrides.AllowedRegions
	}
	return []string{"CN-HK-01", "US-WEST-01", "EU-DE-01", "AS-SGP-02"}
}

// RegionAllowed reports whether region is in the allow-list.
func (c Config) RegionAllowed(region string) bool {
	for _, r := range c.AllowedRegions() {
		if r == region {
			return true
		}
	}
	return false
}

// JobTimeout returns the per-type handler deadline, with overrides applied.
func (c Config) JobTimeout(jobType string) time.Duration {
	if c.overrides != nil {
		if d, ok := c.overrides.JobTimeouts[jobType]; ok && d > 0 {
			return d
		}
	}
	switch jobType {
	case "create_instance":
		return 2 * time.Minute
	case "monitor_instance", "monitor_startup":
		return 90 * time.Second
	case "migrate_spot":
		return 3 * time.Minute
	case "send_webhook":
		return 30 * time.Second
	default:
		return time.Minute
	}
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
