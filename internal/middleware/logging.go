// Package middleware provides Echo middleware for logging, metrics and header hygiene.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that writes one access log record
// per request. Requests under quietPrefix (the admin routes) are logged at
// debug level so probes do not drown proxied traffic; upstream 5xx responses
// and handler errors are logged at warn.
func RequestLogger(logger *slog.Logger, quietPrefix string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()
			status := responseStatus(c, err)

			level := slog.LevelInfo
			switch {
			case status >= http.StatusInternalServerError:
				level = slog.LevelWarn
			case quietPrefix != "" && strings.HasPrefix(req.URL.Path, quietPrefix+"/"):
				level = slog.LevelDebug
			}

			logger.LogAttrs(context.Background(), level, "request",
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.Int("status", status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("request_id", res.Header().Get(echo.HeaderXRequestID)),
				slog.String("remote_ip", c.RealIP()),
				slog.Int64("bytes_in", req.ContentLength),
				slog.Int64("bytes_out", res.Size),
			)

			return err
		}
	}
}

// responseStatus returns the status the client receives. When a handler
// returns an *echo.HTTPError the status has not been written yet; Echo's
// central error handler does that after the middleware chain unwinds.
func responseStatus(c echo.Context, err error) int {
	if err != nil && !c.Response().Committed {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he.Code
		}
		return http.StatusInternalServerError
	}
	return c.Response().Status
}
