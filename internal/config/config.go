// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/registry-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config         string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host           string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port           int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel       string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Mode           string `kong:"help='Run mode; \"debug\" routes unmapped hosts to the target upstream.',env='MODE'"`
	TargetUpstream string `kong:"help='Fallback upstream used in debug mode (overrides config).',env='TARGET_UPSTREAM'"`
	RoutesFile     string `kong:"help='Path to a YAML host-to-upstream map (overrides config).',env='ROUTES_FILE'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig   `toml:"server"`
	Proxy      ProxyConfig    `toml:"proxy"`
	Routes     []RouteConfig  `toml:"routes"`
	RoutesFile string         `toml:"routes_file"`
	Debug      DebugConfig    `toml:"debug"`
	Upstream   UpstreamConfig `toml:"upstream"`
	Log        LogConfig      `toml:"log"`
	Metrics    MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (5000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ProxyConfig controls how the proxy presents itself to registry clients.
type ProxyConfig struct {
	// AuthPath is the path clients are sent to by the rewritten challenge.
	AuthPath string `toml:"auth_path"`
	// ServiceName is advertised as service= in the rewritten challenge.
	ServiceName string `toml:"service_name"`
	// LibraryRedirect sends single-segment Docker Hub repositories to library/.
	LibraryRedirect bool `toml:"library_redirect"`
	// LibraryScope completes single-segment Docker Hub scopes with library/.
	LibraryScope bool `toml:"library_scope"`
}

// RouteConfig maps one inbound hostname to an upstream registry.
type RouteConfig struct {
	Host     string `toml:"host"`
	Upstream string `toml:"upstream"`
}

// DebugConfig enables a catch-all upstream for hosts without a route.
type DebugConfig struct {
	Enabled        bool   `toml:"enabled"`
	TargetUpstream string `toml:"target_upstream"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/registry-proxy/config.toml then configs/config.toml.
// Routes from the optional YAML routes file are appended to [[routes]].
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if cfg.RoutesFile != "" {
		routes, err := loadRoutesFile(cfg.RoutesFile)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		cfg.Routes = append(cfg.Routes, routes...)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if strings.EqualFold(cli.Mode, "debug") {
		c.Debug.Enabled = true
	}
	if cli.TargetUpstream != "" {
		c.Debug.TargetUpstream = cli.TargetUpstream
	}
	if cli.RoutesFile != "" {
		c.RoutesFile = cli.RoutesFile
	}
}

// loadRoutesFile reads a YAML document of the form
//
//	docker.example.com: https://registry-1.docker.io
//	quay.example.com: https://quay.io
func loadRoutesFile(path string) ([]RouteConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file %s: %w", path, err)
	}

	var m map[string]string
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse routes file %s: %w", path, err)
	}

	routes := make([]RouteConfig, 0, len(m))
	for host, upstream := range m {
		routes = append(routes, RouteConfig{Host: host, Upstream: upstream})
	}
	return routes, nil
}

func (c *Config) validate() error {
	// Routes: at least one, unless debug mode supplies a catch-all.
	if len(c.Routes) == 0 && !c.Debug.Enabled {
		return fmt.Errorf("at least one [[routes]] entry is required unless debug mode is enabled")
	}
	seen := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		host := NormalizeHost(r.Host)
		if host == "" {
			return fmt.Errorf("routes[%d].host is required", i)
		}
		if seen[host] {
			return fmt.Errorf("routes[%d].host %q is duplicated", i, r.Host)
		}
		seen[host] = true
		if err := validateUpstream(r.Upstream); err != nil {
			return fmt.Errorf("routes[%d].upstream: %w", i, err)
		}
	}

	if c.Debug.Enabled {
		if c.Debug.TargetUpstream == "" {
			return fmt.Errorf("debug.target_upstream is required when debug mode is enabled")
		}
		if err := validateUpstream(c.Debug.TargetUpstream); err != nil {
			return fmt.Errorf("debug.target_upstream: %w", err)
		}
	}

	if p := c.Proxy.AuthPath; p != "" && p[0] != '/' {
		return fmt.Errorf("proxy.auth_path must start with '/'; got %q", p)
	}
	if strings.ContainsAny(c.Proxy.ServiceName, "\"\\") {
		return fmt.Errorf("proxy.service_name must not contain quotes or backslashes; got %q", c.Proxy.ServiceName)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0-65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/v2", "/healthz", "/proxy/status", c.Proxy.AuthPath} {
			if reserved == "" {
				continue
			}
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// validateUpstream checks that raw is an absolute http(s) URL without a path.
func validateUpstream(raw string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https; got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("must include a host; got %q", raw)
	}
	if strings.Trim(u.Path, "/") != "" {
		return fmt.Errorf("must not include a path; got %q", raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 << 30 // 10 GiB, room for large layer pushes
	}
	if c.Proxy.AuthPath == "" {
		c.Proxy.AuthPath = "/v2/auth"
	}
	if c.Proxy.ServiceName == "" {
		c.Proxy.ServiceName = "registry-proxy"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// NormalizeHost lower-cases host and strips any port.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
