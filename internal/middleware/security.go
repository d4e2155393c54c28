package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that apply to a single connection and must not
// be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop returns an Echo middleware that removes hop-by-hop headers,
// including any listed in the Connection header, from the inbound request.
// "TE: trailers" survives so trailer-dependent upstreams keep working.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			removeHopByHop(c.Request().Header)
			return next(c)
		}
	}
}

func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}

	keepTrailers := false
	for _, v := range h.Values("TE") {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), "trailers") {
				keepTrailers = true
			}
		}
	}

	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
	if keepTrailers {
		h.Set("TE", "trailers")
	}
}

// SecurityHeaders returns an Echo middleware that adds security headers to
// responses. It is meant for the proxy's own endpoints; proxied responses are
// passed through untouched.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")
			c.Response().Header().Set("Cache-Control", "no-store")
			return next(c)
		}
	}
}
