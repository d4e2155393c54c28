package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Chain is the ordered middleware stack installed with Echo.Use. It is kept
// as a value so handlers that bypass the router can be wrapped the same way.
type Chain []echo.MiddlewareFunc

// Then wraps h with the chain; the first middleware runs outermost.
func (ch Chain) Then(h echo.HandlerFunc) echo.HandlerFunc {
	for i := len(ch) - 1; i >= 0; i-- {
		h = ch[i](h)
	}
	return h
}

// routedMethods are the methods Echo.Any registers. The router answers any
// other method with 405 before a handler runs.
var routedMethods = map[string]bool{
	http.MethodConnect: true,
	http.MethodDelete:  true,
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodPatch:   true,
	http.MethodPost:    true,
	echo.PROPFIND:      true,
	http.MethodPut:     true,
	http.MethodTrace:   true,
	echo.REPORT:        true,
}

// AnyMethod returns a Pre middleware that sends requests with methods the
// router cannot match (PURGE, MKCOL, QUERY, custom verbs) straight to
// fallback. Paths under reservedPrefix stay with the router.
func AnyMethod(fallback echo.HandlerFunc, reservedPrefix string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if routedMethods[req.Method] {
				return next(c)
			}
			if reservedPrefix != "" && (req.URL.Path == reservedPrefix || strings.HasPrefix(req.URL.Path, reservedPrefix+"/")) {
				return next(c)
			}
			return fallback(c)
		}
	}
}
