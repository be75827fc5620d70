package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.InstanceStartupTimeout)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, 3, cfg.JobMaxAttempts)
	assert.True(t, cfg.KVFallbackEnabled)
	assert.True(t, cfg.MigrationEnabled)
	assert.True(t, cfg.IsTest())
}

func TestLoadRequiresAPIKeyOutsideTest(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("NOVITA_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOVITA_API_KEY")
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() Config {
		c, err := Load()
		require.NoError(t, err)
		return c
	}
	t.Setenv("APP_ENV", "test")

	cases := map[string]func(*Config){
		"port zero":           func(c *Config) { c.Port = 0 },
		"port too big":        func(c *Config) { c.Port = 70000 },
		"no workers":          func(c *Config) { c.WorkerConcurrency = 0 },
		"bad rate limit":      func(c *Config) { c.RateLimitRequests = 0 },
		"bad circuit":         func(c *Config) { c.CircuitMaxFailures = 0 },
		"bad poll interval":   func(c *Config) { c.PollInterval = 0 },
		"bad auto-stop":       func(c *Config) { c.AutoStopThreshold = 0 },
		"bad migration batch": func(c *Config) { c.MigrationConcurrency = 0 },
		"bad job attempts":    func(c *Config) { c.JobMaxAttempts = 0 },
		"bad cache size":      func(c *Config) { c.CacheMaxSize = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRegionAllowList(t *testing.T) {
	var cfg Config
	assert.True(t, cfg.RegionAllowed("CN-HK-01"))
	assert.True(t, cfg.RegionAllowed("US-WEST-01"))
	assert.False(t, cfg.RegionAllowed("MOON-01"))

	cfg = cfg.WithOverrides(&Overrides{AllowedRegions: []string{"MOON-01"}})
	assert.True(t, cfg.RegionAllowed("MOON-01"))
	assert.False(t, cfg.RegionAllowed("CN-HK-01"))
}

func TestJobTimeoutPerType(t *testing.T) {
	var cfg Config
	assert.Equal(t, 2*time.Minute, cfg.JobTimeout("create_instance"))
	assert.Equal(t, 90*time.Second, cfg.JobTimeout("monitor_startup"))
	assert.Equal(t, 30*time.Second, cfg.JobTimeout("send_webhook"))
	assert.Equal(t, time.Minute, cfg.JobTimeout("something_else"))

	cfg = cfg.WithOverrides(&Overrides{JobTimeouts: map[string]time.Duration{
		"create_instance": 5 * time.Minute,
	}})
	assert.Equal(t, 5*time.Minute, cfg.JobTimeout("create_instance"))
	assert.Equal(t, 90*time.Second, cfg.JobTimeout("monitor_instance"))
}

func TestLoadOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"allowed_regions:\n  - EU-DE-01\njob_timeouts:\n  migrate_spot: 10m\n"), 0o600))

	ov, err := LoadOverrides(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"EU-DE-01"}, ov.AllowedRegions)
	assert.Equal(t, 10*time.Minute, ov.JobTimeouts["migrate_spot"])
}

func TestLoadOverridesRejectsBadDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"job_timeouts:\n  migrate_spot: banana\n"), 0o600))

	_, err := LoadOverrides(path)
	assert.Error(t, err)
}
