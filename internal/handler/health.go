package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"registry-proxy/internal/config"
	"registry-proxy/internal/route"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	routes  *route.Table
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, routes *route.Table, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, routes: routes, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type routeStatus struct {
	Host     string `json:"host"`
	Upstream string `json:"upstream"`
}

type proxyStatus struct {
	Status      string        `json:"status"`
	Version     string        `json:"version"`
	AuthPath    string        `json:"auth_path"`
	ServiceName string        `json:"service_name"`
	Routes      []routeStatus `json:"routes"`
	Fallback    string        `json:"debug_fallback,omitempty"`
}

// Status returns proxy status information, including the route table.
func (h *HealthHandler) Status(c echo.Context) error {
	st := proxyStatus{
		Status:      "ok",
		Version:     string(h.version),
		AuthPath:    h.cfg.Proxy.AuthPath,
		ServiceName: h.cfg.Proxy.ServiceName,
		Routes:      []routeStatus{},
	}
	if h.routes != nil {
		for _, r := range h.routes.Routes() {
			st.Routes = append(st.Routes, routeStatus{Host: r.Host, Upstream: r.Upstream.String()})
		}
		if fb := h.routes.Fallback(); fb != nil {
			st.Fallback = fb.String()
		}
	}
	return c.JSON(http.StatusOK, st)
}
