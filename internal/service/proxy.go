// Package service implements the registry proxy core: upstream dispatch,
// challenge rewriting, and token exchange.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"registry-proxy/internal/auth"
	"registry-proxy/internal/client"
	"registry-proxy/internal/config"
	"registry-proxy/internal/metrics"
	"registry-proxy/internal/model"
	"registry-proxy/internal/route"
)

// Resolver maps an inbound host to an upstream registry base URL.
type Resolver interface {
	Resolve(host string) (*url.URL, error)
}

// hopByHopHeaders are not forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// dockerHubHosts are upstream hosts that imply the library/ namespace.
var dockerHubHosts = map[string]bool{
	"registry-1.docker.io": true,
	"index.docker.io":      true,
	"docker.io":            true,
}

// ProxyService dispatches registry requests to their upstream.
type ProxyService struct {
	client  *client.RegistryClient
	routes  Resolver
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyService creates a ProxyService.
// The metrics parameter is optional; pass nil to disable recording.
func NewProxyService(c *client.RegistryClient, routes Resolver, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client:  c,
		routes:  routes,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
	}
}

// Handle resolves the upstream for pr and either brokers a token (when pr
// targets the authorization path) or forwards the request.
// The caller is responsible for closing the response body.
//
// An unmapped host yields an error wrapping route.ErrNotFound before any
// upstream call is made.
func (s *ProxyService) Handle(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	upstream, err := s.routes.Resolve(pr.Host)
	if err != nil {
		if errors.Is(err, route.ErrNotFound) && s.metrics != nil {
			s.metrics.UnknownHosts.Inc()
		}
		return nil, err
	}

	if pr.Path == s.cfg.Proxy.AuthPath {
		return s.Authorize(pr, upstream)
	}

	if s.cfg.Proxy.LibraryRedirect && isDockerHub(upstream) {
		if p, ok := libraryPath(pr.Path); ok {
			return redirect(p, pr.RawQuery), nil
		}
	}

	return s.Forward(pr, upstream)
}

// Authorize brokers a token for the client. It probes the upstream's /v2/
// endpoint for its real challenge and exchanges the client's scope and
// credentials against that realm. Any probe response that is not a usable
// challenge is returned to the client as-is.
func (s *ProxyService) Authorize(pr *model.ProxyRequest, upstream *url.URL) (*model.ProxyResponse, error) {
	authorization := pr.Header.Get("Authorization")

	header := make(http.Header)
	if authorization != "" {
		header.Set("Authorization", authorization)
	}

	probeURL := *upstream
	probeURL.Path = "/v2/"

	probe, err := s.client.DoStream(pr.Ctx, http.MethodGet, probeURL.String(), header, nil)
	if err != nil {
		return nil, fmt.Errorf("probe upstream: %w", err)
	}
	if probe.StatusCode != http.StatusUnauthorized {
		return s.filterResponse(probe), nil
	}

	raw := probe.Header.Get("Www-Authenticate")
	if raw == "" {
		return s.filterResponse(probe), nil
	}
	challenge, err := auth.ParseChallenge(raw)
	if err != nil {
		s.logger.Warn("upstream challenge not understood", "err", err, "upstream", upstream.Host)
		return s.filterResponse(probe), nil
	}

	scope := pr.Query.Get("scope")
	if s.cfg.Proxy.LibraryScope && isDockerHub(upstream) {
		scope = libraryScope(scope)
	}

	tokenResp, err := s.ExchangeToken(pr.Ctx, challenge, scope, authorization)
	if errors.Is(err, ErrInvalidRealm) {
		s.logger.Warn("upstream challenge has unusable realm", "err", err, "upstream", upstream.Host)
		return s.filterResponse(probe), nil
	}
	discard(probe)
	if err != nil {
		return nil, err
	}
	return s.filterResponse(tokenResp), nil
}

// realm returns the proxy's own authorization endpoint as seen by the client.
func (s *ProxyService) realm(pr *model.ProxyRequest) string {
	scheme := pr.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + pr.Host + s.cfg.Proxy.AuthPath
}

// outboundHeader copies the client's headers for an upstream request.
func outboundHeader(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	dst.Del("Host")
	return dst
}

// filterResponse strips hop-by-hop headers from an upstream response.
func (s *ProxyService) filterResponse(resp *model.ProxyResponse) *model.ProxyResponse {
	for _, h := range hopByHopHeaders {
		resp.Header.Del(h)
	}
	return resp
}

// discard drains and closes a response that will not reach the client so
// its connection can be reused.
func discard(resp *model.ProxyResponse) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func isDockerHub(upstream *url.URL) bool {
	return dockerHubHosts[strings.ToLower(upstream.Hostname())]
}

// libraryPath rewrites /v2/<name>/<endpoint>/<ref> to /v2/library/<name>/<endpoint>/<ref>
// for single-segment repository names.
func libraryPath(path string) (string, bool) {
	parts := strings.Split(path, "/")
	if len(parts) != 5 || parts[0] != "" || parts[1] != "v2" || parts[2] == "" {
		return "", false
	}
	switch parts[3] {
	case "manifests", "blobs", "tags":
	default:
		return "", false
	}
	return "/v2/library/" + strings.Join(parts[2:], "/"), true
}

// libraryScope completes repository:<name>:<actions> to
// repository:library/<name>:<actions> for single-segment names.
func libraryScope(scope string) string {
	parts := strings.SplitN(scope, ":", 3)
	if len(parts) != 3 || parts[0] != "repository" || parts[1] == "" || strings.Contains(parts[1], "/") {
		return scope
	}
	return "repository:library/" + parts[1] + ":" + parts[2]
}

func redirect(path, rawQuery string) *model.ProxyResponse {
	loc := path
	if rawQuery != "" {
		loc += "?" + rawQuery
	}
	return &model.ProxyResponse{
		StatusCode: http.StatusMovedPermanently,
		Header:     http.Header{"Location": {loc}},
		Body:       http.NoBody,
	}
}
