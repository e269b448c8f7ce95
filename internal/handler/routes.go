package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"registry-proxy/internal/config"
	"registry-proxy/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// The metrics parameter may be nil, in which case no metrics endpoint is served.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.Any("/v2", proxy.Handle)
	e.Any("/v2/*", proxy.Handle)
	if cfg.Proxy.AuthPath != "/v2" {
		e.Any(cfg.Proxy.AuthPath, proxy.Handle)
	}

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
