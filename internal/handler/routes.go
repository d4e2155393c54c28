package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/authproxy/authproxy/internal/config"
	"github.com/authproxy/authproxy/internal/metrics"
	"github.com/authproxy/authproxy/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The proxy's
// own endpoints live under the admin prefix; every other path is forwarded,
// whatever its method. chain must be the stack installed with e.Use: requests
// with methods the router does not know bypass it and are wrapped here instead.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics, chain middleware.Chain) {
	adminPrefix := ""
	if cfg.Server.AdminEnabled() {
		adminPrefix = cfg.Server.AdminPrefix

		admin := e.Group(adminPrefix, middleware.SecurityHeaders())
		admin.GET("/healthz", health.Healthz)
		admin.GET("/status", health.Status)

		if cfg.Metrics.Enabled && m != nil {
			admin.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
		}
	}

	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
	e.Pre(middleware.AnyMethod(chain.Then(proxy.Handle), adminPrefix))
}
