// Package config provides the configuration schema and loader for the
// enhancelink daemon.
package config

import (
	"time"

	"github.com/kvasirlabs/enhancelink/internal/registry"
)

// LogLevel controls log verbosity for the enhancelink daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [Config.ApplyDefaults] when a field is left at zero.
const (
	DefaultTimeoutSeconds             = 8
	DefaultMaxRetries                 = 3
	DefaultHealthCheckIntervalSeconds = 30
	DefaultCacheTTLSeconds            = 300
	DefaultFailureThreshold           = 5
	DefaultCooldownSeconds            = 60
	DefaultProbeTTLSeconds            = 30
	DefaultProbeTimeoutSeconds        = 5
)

// Config is the root configuration structure for enhancelink.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`

	// Servers maps a unique server name to its enhancement server entry.
	Servers map[string]ServerEntry `yaml:"servers"`
}

// ServerConfig holds network and logging settings for the daemon itself.
type ServerConfig struct {
	// ListenAddr is the TCP address the daemon listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ClientConfig tunes the protocol client's resilience machinery.
// All duration knobs are whole seconds; zero selects the default.
type ClientConfig struct {
	// CacheTTLSeconds is how long a successful response stays cached.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`

	// FailureThreshold is the consecutive-failure count that opens a
	// server's circuit breaker.
	FailureThreshold int `yaml:"failure_threshold"`

	// CooldownSeconds is how long an open breaker waits before admitting
	// a trial request.
	CooldownSeconds int `yaml:"cooldown_seconds"`

	// ProbeTTLSeconds is how long a dependency-probe verdict is reused.
	ProbeTTLSeconds int `yaml:"probe_ttl_seconds"`

	// ProbeTimeoutSeconds bounds a single dependency probe.
	ProbeTimeoutSeconds int `yaml:"probe_timeout_seconds"`
}

// CacheTTL returns the cache TTL as a duration.
func (c ClientConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// Cooldown returns the breaker cooldown as a duration.
func (c ClientConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// ProbeTTL returns the dependency-probe result TTL as a duration.
func (c ClientConfig) ProbeTTL() time.Duration {
	return time.Duration(c.ProbeTTLSeconds) * time.Second
}

// ProbeTimeout returns the dependency-probe timeout as a duration.
func (c ClientConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// ServerEntry describes a single enhancement server.
type ServerEntry struct {
	// URL is the server's base URL (e.g., "http://seq-enhance:9021").
	URL string `yaml:"url"`

	// Capabilities lists the enhancement methods this server offers.
	Capabilities []string `yaml:"capabilities"`

	// Personas lists the persona names this server has an affinity for.
	Personas []string `yaml:"personas"`

	// TimeoutSeconds bounds a single request to this server. Zero selects
	// the default of 8 seconds.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// MaxRetries is how many times a failed health probe is retried within
	// one connection refresh. Zero selects the default of 3.
	MaxRetries int `yaml:"max_retries"`

	// HealthCheckIntervalSeconds is how long a successful probe keeps a
	// connection trusted before the next acquire re-probes. Zero selects
	// the default of 30 seconds.
	HealthCheckIntervalSeconds int `yaml:"health_check_interval_seconds"`
}

// ApplyDefaults fills every zero knob with its documented default.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Client.CacheTTLSeconds == 0 {
		c.Client.CacheTTLSeconds = DefaultCacheTTLSeconds
	}
	if c.Client.FailureThreshold == 0 {
		c.Client.FailureThreshold = DefaultFailureThreshold
	}
	if c.Client.CooldownSeconds == 0 {
		c.Client.CooldownSeconds = DefaultCooldownSeconds
	}
	if c.Client.ProbeTTLSeconds == 0 {
		c.Client.ProbeTTLSeconds = DefaultProbeTTLSeconds
	}
	if c.Client.ProbeTimeoutSeconds == 0 {
		c.Client.ProbeTimeoutSeconds = DefaultProbeTimeoutSeconds
	}
	for name, entry := range c.Servers {
		if entry.TimeoutSeconds == 0 {
			entry.TimeoutSeconds = DefaultTimeoutSeconds
		}
		if entry.MaxRetries == 0 {
			entry.MaxRetries = DefaultMaxRetries
		}
		if entry.HealthCheckIntervalSeconds == 0 {
			entry.HealthCheckIntervalSeconds = DefaultHealthCheckIntervalSeconds
		}
		c.Servers[name] = entry
	}
}

// BuildRegistry converts the configured server entries into a validated
// [registry.Registry]. Defaults must already have been applied.
func (c *Config) BuildRegistry() (*registry.Registry, error) {
	descs := make([]*registry.ServerDescriptor, 0, len(c.Servers))
	for name, entry := range c.Servers {
		descs = append(descs, &registry.ServerDescriptor{
			Name:                name,
			BaseURL:             entry.URL,
			Capabilities:        entry.Capabilities,
			PersonaAffinity:     entry.Personas,
			Timeout:             time.Duration(entry.TimeoutSeconds) * time.Second,
			MaxRetries:          entry.MaxRetries,
			HealthCheckInterval: time.Duration(entry.HealthCheckIntervalSeconds) * time.Second,
		})
	}
	return registry.New(descs...)
}
