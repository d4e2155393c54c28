package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/authproxy/authproxy/internal/model"
	"github.com/authproxy/authproxy/internal/service"
)

// ProxyHandler forwards every inbound request to the upstream with a bearer
// token attached and relays the response unmodified.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request upstream and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	resp, err := h.service.Forward(req)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	header := c.Response().Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			header.Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Bodies of unknown length are usually streams; flush every chunk so the
	// client sees data as it arrives.
	var dst io.Writer = c.Response()
	if resp.Header.Get("Content-Length") == "" {
		dst = flushWriter{c.Response()}
	}

	// The status line is already on the wire, so a mid-stream failure can only
	// truncate the response.
	if _, err := io.Copy(dst, resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
			"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
		)
		return nil
	}

	for key, vals := range resp.Trailer {
		header[http.TrailerPrefix+key] = vals
	}

	return nil
}

type flushWriter struct {
	r *echo.Response
}

func (w flushWriter) Write(p []byte) (int, error) {
	n, err := w.r.Write(p)
	if err == nil {
		w.r.Flush()
	}
	return n, err
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	req := c.Request()
	kind := model.KindOf(err)

	attrs := []any{
		"err", err,
		"method", req.Method,
		"path", req.URL.Path,
		"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
	}
	if kind != 0 {
		attrs = append(attrs, "kind", kind.String())
	}
	if causes := model.Causes(err); len(causes) > 0 {
		attrs = append(attrs, "caused_by", causes)
	}
	h.logger.Error("proxy error", attrs...)

	status, msg := errorResponse(req.Context(), err, kind)
	return c.JSON(status, map[string]string{"error": msg})
}

// errorResponse picks the status code and generic message for a failed request.
// Details stay in the log.
func errorResponse(ctx context.Context, err error, kind model.ErrorKind) (int, string) {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return http.StatusBadGateway, "client disconnected"
	}

	switch kind {
	case model.KindUpstreamTimeout:
		return http.StatusGatewayTimeout, "upstream request timed out"
	case model.KindUpstreamUnreachable:
		return http.StatusBadGateway, "upstream unreachable"
	case model.KindSubprocessTimeout:
		return http.StatusGatewayTimeout, "timed out obtaining credentials"
	case model.KindSubprocessSpawnFailed, model.KindSubprocessFailed, model.KindInvalidCredentialOutput:
		return http.StatusBadGateway, "failed to obtain credentials"
	case model.KindInvalidTargetURL, model.KindHeaderEncoding:
		return http.StatusInternalServerError, "failed to build upstream request"
	}
	return http.StatusBadGateway, "upstream request failed"
}
