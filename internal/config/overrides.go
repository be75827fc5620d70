// Package config provides configuration loading utilities.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Overrides holds optional file-based configuration that operators tune
// without redeploying: the region allow-list and per-job-type deadlines.
type Overrides struct {
	AllowedRegions []string                 `yaml:"allowed_regions"`
	JobTimeouts    map[string]time.Duration `yaml:"-"`

	// RawJobTimeouts carries duration strings ("90s", "3m") from YAML.
	RawJobTimeouts map[string]string `yaml:"job_timeouts"`
}

// LoadOverrides reads and parses the overrides YAML file.
func LoadOverrides(path string) (*Overrides, error) {
	// #nosec G304 -- Configuration files are expected to be safe
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read overrides file: %w", err)
	}
	var ov Overrides
	if err := yaml.Unmarshal(content, &ov); err != nil {
		return nil, fmt.Errorf("parse overrides YAML: %w", err)
	}
	ov.JobTimeouts = make(map[string]time.Duration, len(ov.RawJobTimeouts))
	for k, v := range ov.RawJobTimeouts {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("job timeout %q: %w", k, err)
		}
		ov.JobTimeouts[k] = d
	}
	return &ov, nil
}

// WithOverrides returns a copy of cfg using the given overrides. Intended for
// tests; production code loads overrides through Load.
func (c Config) WithOverrides(ov *Overrides) Config {
	c.overrides = ov
	return c
}
