// Package client provides the upstream HTTP client that forwards rewritten requests.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/authproxy/authproxy/internal/config"
	"github.com/authproxy/authproxy/internal/metrics"
	"github.com/authproxy/authproxy/internal/model"
)

// errDeadline is the cancellation cause installed when the round-trip bound expires.
var errDeadline = errors.New("upstream round trip deadline exceeded")

// UpstreamClient sends requests to the upstream and returns its responses unmodified.
type UpstreamClient struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling. TLS
// verification is disabled when upstream.insecure_skip_verify is set.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 30 * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if cfg.Upstream.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opted in via --insecure-https
	}

	l := logger.With("component", "upstream_client")
	if cfg.Upstream.InsecureSkipVerify {
		l.Warn("upstream TLS certificate verification is disabled")
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects are the caller's business; pass them through untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: cfg.Upstream.Timeout(),
		logger:  l,
		metrics: m,
	}
}

// Do executes req against the upstream and returns the raw response.
// The round trip up to the response headers is bounded by the configured
// timeout; exceeding it yields an UpstreamTimeout error. Any other transport
// failure yields UpstreamUnreachable. The caller must close the response body,
// which also releases the request context.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	ctx, cancel := context.WithCancelCause(req.Context())
	var timer *time.Timer
	if c.timeout > 0 {
		timer = time.AfterFunc(c.timeout, func() { cancel(errDeadline) })
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req.WithContext(ctx)) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()
	if timer != nil {
		timer.Stop()
	}

	method := metrics.NormalizeMethod(req.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}

	if err != nil {
		timedOut := errors.Is(context.Cause(ctx), errDeadline)
		cancel(nil)
		if timedOut {
			c.observeError("timeout")
			return nil, model.NewError(model.KindUpstreamTimeout, err, "%s %s: no response within %s", req.Method, req.URL.Path, c.timeout)
		}
		c.observeError("unreachable")
		return nil, model.NewError(model.KindUpstreamUnreachable, err, "%s %s", req.Method, req.URL.Path)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Trailer:    resp.Trailer,
		Body:       &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
	}, nil
}

func (c *UpstreamClient) observeError(reason string) {
	if c.metrics != nil {
		c.metrics.UpstreamErrors.WithLabelValues(reason).Inc()
	}
}

// cancelOnClose releases the request context once the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel(nil)
	if err != nil {
		return fmt.Errorf("close upstream body: %w", err)
	}
	return nil
}
