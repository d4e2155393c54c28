package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// RequestID returns Echo's request ID middleware generating UUIDv4 identifiers.
// An inbound X-Request-Id is kept and is also forwarded upstream.
func RequestID() echo.MiddlewareFunc {
	return echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
	})
}

// RateLimiter returns a per-client-IP rate limiter backed by an in-memory store.
func RateLimiter(requestsPerSecond float64) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(requestsPerSecond))
	return echomw.RateLimiter(store)
}
