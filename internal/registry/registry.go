// Package registry holds the static table of backend services the
// gateway can route to. The table is built once at startup and never
// mutated afterwards, so request-time lookups need no locking.
package registry

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ErrServiceNotFound is returned when a logical service name has no
// registered entry. The pipeline must short-circuit on it so client
// data never leaks toward an arbitrary backend.
var ErrServiceNotFound = errors.New("service not found")

// ServiceEntry is one registered backend service.
type ServiceEntry struct {
	Name       string `json:"name"`
	BaseURL    string `json:"base_url"`
	HealthPath string `json:"health_path"`
}

// Registry maps logical service names to their entries.
type Registry struct {
	entries map[string]ServiceEntry
}

// New builds a registry from the configured entries. Base URLs are
// parsed up front so a typo fails at startup rather than on the
// first proxied request.
func New(entries []ServiceEntry) (*Registry, error) {
	m := make(map[string]ServiceEntry, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("registry: entry with empty name")
		}
		if _, ok := m[e.Name]; ok {
			return nil, fmt.Errorf("registry: duplicate service %q", e.Name)
		}
		u, err := url.Parse(e.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("registry: service %q has invalid base URL %q", e.Name, e.BaseURL)
		}
		e.BaseURL = strings.TrimSuffix(e.BaseURL, "/")
		if e.HealthPath == "" {
			e.HealthPath = "/health"
		}
		if !strings.HasPrefix(e.HealthPath, "/") {
			e.HealthPath = "/" + e.HealthPath
		}
		m[e.Name] = e
	}
	return &Registry{entries: m}, nil
}

// Resolve returns the entry for name or ErrServiceNotFound.
func (r *Registry) Resolve(name string) (ServiceEntry, error) {
	e, ok := r.entries[name]
	if !ok {
		return ServiceEntry{}, fmt.Errorf("%w: %q", ErrServiceNotFound, name)
	}
	return e, nil
}

// Entries returns all registered services sorted by name.
func (r *Registry) Entries() []ServiceEntry {
	out := make([]ServiceEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	return len(r.entries)
}
