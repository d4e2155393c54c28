package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/authproxy/authproxy/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that counts inbound requests
// and observes their latency. The path label is bounded by
// Metrics.NormalizePath, so proxied paths never become label values.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			start := time.Now()

			err := next(c)

			m.RequestsInFlight.Dec()
			labels := []string{
				metrics.NormalizeMethod(c.Request().Method),
				strconv.Itoa(responseStatus(c, err)),
				m.NormalizePath(c.Request().URL.Path),
			}
			m.RequestsTotal.WithLabelValues(labels...).Inc()
			m.RequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())

			return err
		}
	}
}
