package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/authproxy/authproxy/internal/config"
	"github.com/authproxy/authproxy/internal/credential"
	"github.com/authproxy/authproxy/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	cache   *credential.Cache
}

// NewHealthHandler creates a HealthHandler. cache may be nil.
func NewHealthHandler(cfg *config.Config, v Version, cache *credential.Cache) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, cache: cache}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status      string                 `json:"status"`
	Version     string                 `json:"version"`
	UpstreamURL string                 `json:"upstream_url"`
	Credential  *credential.CacheState `json:"credential,omitempty"`
}

// Status returns proxy status information. The token itself is never included.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:      "ok",
		Version:     string(h.version),
		UpstreamURL: h.cfg.Upstream.BaseURL,
	}
	if u, err := service.ParseTarget(h.cfg.Upstream.BaseURL); err == nil {
		resp.UpstreamURL = u.Redacted()
	}
	if h.cache != nil {
		state := h.cache.State()
		resp.Credential = &state
	}
	return c.JSON(http.StatusOK, resp)
}
