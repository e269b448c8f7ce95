// Package route resolves inbound hostnames to upstream registries.
package route

import (
	"errors"
	"fmt"
	"net/url"
	"sort"

	"registry-proxy/internal/config"
)

// ErrNotFound is returned when no route matches the inbound host and no
// debug fallback is configured.
var ErrNotFound = errors.New("no upstream registry configured for host")

// Route pairs an inbound hostname with an upstream registry base URL.
type Route struct {
	Host     string
	Upstream *url.URL
}

// Table is the immutable host-to-upstream mapping built at start-up.
type Table struct {
	routes   map[string]*url.URL
	fallback *url.URL
}

// NewTable builds a Table from the configured routes. The debug target
// upstream becomes the fallback only when debug mode is enabled.
func NewTable(cfg *config.Config) (*Table, error) {
	t := &Table{routes: make(map[string]*url.URL, len(cfg.Routes))}

	for _, r := range cfg.Routes {
		u, err := parseUpstream(r.Upstream)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", r.Host, err)
		}
		t.routes[config.NormalizeHost(r.Host)] = u
	}

	if cfg.Debug.Enabled && cfg.Debug.TargetUpstream != "" {
		u, err := parseUpstream(cfg.Debug.TargetUpstream)
		if err != nil {
			return nil, fmt.Errorf("debug target upstream: %w", err)
		}
		t.fallback = u
	}

	return t, nil
}

// Resolve returns the upstream base URL for host. The returned URL is a
// copy and may be modified by the caller.
func (t *Table) Resolve(host string) (*url.URL, error) {
	if u, ok := t.routes[config.NormalizeHost(host)]; ok {
		return clone(u), nil
	}
	if t.fallback != nil {
		return clone(t.fallback), nil
	}
	return nil, fmt.Errorf("%w %q", ErrNotFound, host)
}

// Routes returns all explicit routes sorted by host.
func (t *Table) Routes() []Route {
	out := make([]Route, 0, len(t.routes))
	for host, u := range t.routes {
		out = append(out, Route{Host: host, Upstream: clone(u)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// Fallback returns the debug fallback upstream, or nil.
func (t *Table) Fallback() *url.URL {
	if t.fallback == nil {
		return nil
	}
	return clone(t.fallback)
}

func parseUpstream(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream %q is not an absolute URL", raw)
	}
	u.Path = ""
	u.RawPath = ""
	u.RawQuery = ""
	return u, nil
}

func clone(u *url.URL) *url.URL {
	c := *u
	return &c
}
