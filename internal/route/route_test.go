package route

import (
	"errors"
	"testing"

	"registry-proxy/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Routes: []config.RouteConfig{
			{Host: "docker.example.com", Upstream: "https://registry-1.docker.io"},
			{Host: "Quay.Example.com", Upstream: "https://quay.io/"},
		},
	}
}

func TestTable_Resolve(t *testing.T) {
	table, err := NewTable(testConfig())
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}

	tests := []struct {
		name string
		host string
		want string
	}{
		{"exact", "docker.example.com", "https://registry-1.docker.io"},
		{"case-insensitive", "DOCKER.example.com", "https://registry-1.docker.io"},
		{"port stripped", "docker.example.com:443", "https://registry-1.docker.io"},
		{"mixed-case route key", "quay.example.com", "https://quay.io"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := table.Resolve(tt.host)
			if err != nil {
				t.Fatalf("Resolve(%q) error = %v", tt.host, err)
			}
			if got := u.String(); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.host, got, tt.want)
			}
		})
	}
}

func TestTable_Resolve_NotFound(t *testing.T) {
	table, err := NewTable(testConfig())
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}

	_, err = table.Resolve("ghcr.example.com")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve() error = %v, want ErrNotFound", err)
	}
}

func TestTable_Resolve_DebugFallback(t *testing.T) {
	cfg := testConfig()
	cfg.Debug = config.DebugConfig{Enabled: true, TargetUpstream: "https://ghcr.io"}
	table, err := NewTable(cfg)
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}

	u, err := table.Resolve("unmapped.example.com")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if u.String() != "https://ghcr.io" {
		t.Errorf("Resolve() = %q, want fallback %q", u.String(), "https://ghcr.io")
	}

	// Explicit routes still win over the fallback.
	u, err = table.Resolve("docker.example.com")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if u.Host != "registry-1.docker.io" {
		t.Errorf("Resolve() host = %q, want %q", u.Host, "registry-1.docker.io")
	}
}

func TestTable_Resolve_FallbackIgnoredOutsideDebug(t *testing.T) {
	cfg := testConfig()
	cfg.Debug = config.DebugConfig{Enabled: false, TargetUpstream: "https://ghcr.io"}
	table, err := NewTable(cfg)
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}

	if _, err := table.Resolve("unmapped.example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve() error = %v, want ErrNotFound", err)
	}
	if table.Fallback() != nil {
		t.Errorf("Fallback() = %v, want nil", table.Fallback())
	}
}

func TestTable_Resolve_ReturnsCopy(t *testing.T) {
	table, err := NewTable(testConfig())
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}

	u, _ := table.Resolve("docker.example.com")
	u.Path = "/mutated"

	again, _ := table.Resolve("docker.example.com")
	if again.Path != "" {
		t.Errorf("route table was mutated through Resolve result: path = %q", again.Path)
	}
}

func TestTable_Routes_Sorted(t *testing.T) {
	table, err := NewTable(testConfig())
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}

	routes := table.Routes()
	if len(routes) != 2 {
		t.Fatalf("len(Routes()) = %d, want 2", len(routes))
	}
	if routes[0].Host != "docker.example.com" || routes[1].Host != "quay.example.com" {
		t.Errorf("Routes() hosts = [%s %s], want sorted", routes[0].Host, routes[1].Host)
	}
}

func TestNewTable_InvalidUpstream(t *testing.T) {
	cfg := &config.Config{
		Routes: []config.RouteConfig{{Host: "docker.example.com", Upstream: "registry-1.docker.io"}},
	}
	if _, err := NewTable(cfg); err == nil {
		t.Fatal("NewTable() expected error for relative upstream, got nil")
	}
}
