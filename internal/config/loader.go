package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, validates the result, and
// applies defaults. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Client.CacheTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("client.cache_ttl_seconds %d must not be negative", cfg.Client.CacheTTLSeconds))
	}
	if cfg.Client.FailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("client.failure_threshold %d must not be negative", cfg.Client.FailureThreshold))
	}
	if cfg.Client.CooldownSeconds < 0 {
		errs = append(errs, fmt.Errorf("client.cooldown_seconds %d must not be negative", cfg.Client.CooldownSeconds))
	}
	if cfg.Client.ProbeTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("client.probe_ttl_seconds %d must not be negative", cfg.Client.ProbeTTLSeconds))
	}
	if cfg.Client.ProbeTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("client.probe_timeout_seconds %d must not be negative", cfg.Client.ProbeTimeoutSeconds))
	}

	for name, entry := range cfg.Servers {
		prefix := fmt.Sprintf("servers[%q]", name)
		if name == "" {
			errs = append(errs, errors.New("servers: the empty string is not a valid server name"))
		}
		if entry.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required", prefix))
		} else if u, err := url.Parse(entry.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s.url %q is not an absolute URL", prefix, entry.URL))
		}
		if entry.TimeoutSeconds < 0 {
			errs = append(errs, fmt.Errorf("%s.timeout_seconds %d must not be negative", prefix, entry.TimeoutSeconds))
		}
		if entry.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("%s.max_retries %d must not be negative", prefix, entry.MaxRetries))
		}
		if entry.HealthCheckIntervalSeconds < 0 {
			errs = append(errs, fmt.Errorf("%s.health_check_interval_seconds %d must not be negative", prefix, entry.HealthCheckIntervalSeconds))
		}
	}

	return errors.Join(errs...)
}
