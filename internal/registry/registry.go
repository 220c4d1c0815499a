// Package registry holds the immutable per-server descriptors for all known
// enhancement servers.
//
// Descriptors are created once at startup from validated configuration and
// never mutated afterwards, so a [Registry] needs no locking and may be
// shared freely between the connection pool, the circuit breaker, and the
// dependency checker.
package registry

import (
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strings"
	"time"
)

// ServerDescriptor is the immutable configuration of a single enhancement
// server. Instances are referenced, never copied, by the rest of the client.
type ServerDescriptor struct {
	// Name uniquely identifies the server across the whole client.
	Name string

	// BaseURL is the server's HTTP base address, without trailing slash.
	BaseURL string

	// Capabilities lists the analysis capabilities the server advertises.
	Capabilities []string

	// PersonaAffinity lists persona names this server is tuned for.
	PersonaAffinity []string

	// Timeout bounds every outbound call to this server.
	Timeout time.Duration

	// MaxRetries bounds health-probe attempts within a single reconnect.
	MaxRetries int

	// HealthCheckInterval is how long a healthy connection is trusted before
	// the next acquire re-probes it.
	HealthCheckInterval time.Duration
}

// HealthURL returns the liveness probe endpoint for the server.
func (d *ServerDescriptor) HealthURL() string {
	return d.BaseURL + "/health"
}

// RPCURL returns the JSON-RPC endpoint for the server.
func (d *ServerDescriptor) RPCURL() string {
	return d.BaseURL + "/rpc"
}

// HasCapability reports whether the server advertises capability.
func (d *ServerDescriptor) HasCapability(capability string) bool {
	return slices.Contains(d.Capabilities, capability)
}

// ServesPersona reports whether the server is tuned for persona.
func (d *ServerDescriptor) ServesPersona(persona string) bool {
	return slices.Contains(d.PersonaAffinity, persona)
}

// validate checks the descriptor's invariants. Called once at registry
// construction; a descriptor that passes is trusted for the process lifetime.
func (d *ServerDescriptor) validate() error {
	if d.Name == "" {
		return fmt.Errorf("registry: descriptor has empty name")
	}
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return fmt.Errorf("registry: server %q: invalid base URL %q: %w", d.Name, d.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("registry: server %q: base URL %q must use http or https", d.Name, d.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("registry: server %q: base URL %q has no host", d.Name, d.BaseURL)
	}
	if d.Timeout <= 0 {
		return fmt.Errorf("registry: server %q: timeout must be positive", d.Name)
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("registry: server %q: max retries must not be negative", d.Name)
	}
	if d.HealthCheckInterval <= 0 {
		return fmt.Errorf("registry: server %q: health check interval must be positive", d.Name)
	}
	return nil
}

// Registry is an immutable name → descriptor lookup table.
type Registry struct {
	servers map[string]*ServerDescriptor
}

// New builds a [Registry] from the given descriptors. Every descriptor is
// validated and its BaseURL normalised (trailing slash stripped); duplicate
// names are rejected.
func New(descriptors ...*ServerDescriptor) (*Registry, error) {
	servers := make(map[string]*ServerDescriptor, len(descriptors))
	for _, d := range descriptors {
		if d == nil {
			return nil, fmt.Errorf("registry: nil descriptor")
		}
		d.BaseURL = strings.TrimRight(d.BaseURL, "/")
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, exists := servers[d.Name]; exists {
			return nil, fmt.Errorf("registry: duplicate server name %q", d.Name)
		}
		servers[d.Name] = d
	}
	return &Registry{servers: servers}, nil
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (*ServerDescriptor, bool) {
	d, ok := r.servers[name]
	return d, ok
}

// Names returns all registered server names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered servers.
func (r *Registry) Len() int {
	return len(r.servers)
}

// ServersFor returns the descriptors whose persona affinity includes persona,
// sorted by name.
func (r *Registry) ServersFor(persona string) []*ServerDescriptor {
	return r.filter(func(d *ServerDescriptor) bool { return d.ServesPersona(persona) })
}

// ServersWithCapability returns the descriptors advertising capability,
// sorted by name.
func (r *Registry) ServersWithCapability(capability string) []*ServerDescriptor {
	return r.filter(func(d *ServerDescriptor) bool { return d.HasCapability(capability) })
}

func (r *Registry) filter(keep func(*ServerDescriptor) bool) []*ServerDescriptor {
	var out []*ServerDescriptor
	for _, name := range r.Names() {
		if d := r.servers[name]; keep(d) {
			out = append(out, d)
		}
	}
	return out
}
