// Package service implements the request rewriting and forwarding pipeline.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"golang.org/x/net/http/httpguts"

	"github.com/authproxy/authproxy/internal/config"
	"github.com/authproxy/authproxy/internal/model"
)

// TokenSource yields the bearer token for the next upstream request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Forwarder sends a rewritten request to the upstream.
type Forwarder interface {
	Do(req *http.Request) (*model.ProxyResponse, error)
}

// ProxyService runs inbound requests through token lookup, rewrite and forward.
type ProxyService struct {
	tokens    TokenSource
	forwarder Forwarder
	target    *url.URL
	logger    *slog.Logger
}

// NewProxyService creates a ProxyService targeting cfg.Upstream.BaseURL.
func NewProxyService(tokens TokenSource, fwd Forwarder, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	target, err := ParseTarget(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, err
	}

	return &ProxyService{
		tokens:    tokens,
		forwarder: fwd,
		target:    target,
		logger:    logger.With("component", "proxy_service"),
	}, nil
}

// Target returns the upstream base URL.
func (s *ProxyService) Target() *url.URL {
	u := *s.target
	return &u
}

// Forward obtains the current token, rewrites in for the upstream and sends it.
// The inbound body is handed to the upstream request, not copied.
// The caller is responsible for closing the response body.
func (s *ProxyService) Forward(in *http.Request) (*model.ProxyResponse, error) {
	ctx := in.Context()

	token, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtain credential: %w", err)
	}

	out, err := Rewrite(ctx, in, s.target, token)
	if err != nil {
		return nil, fmt.Errorf("rewrite request: %w", err)
	}

	s.logger.Debug("forwarding request",
		"method", out.Method,
		"path", out.URL.Path,
	)

	resp, err := s.forwarder.Do(out)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	return resp, nil
}

// ParseTarget parses an upstream base URL, requiring a scheme and authority.
func ParseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, model.NewError(model.KindInvalidTargetURL, err, "%q", raw)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, model.NewError(model.KindInvalidTargetURL, nil, "%q must be absolute with scheme and host", raw)
	}
	return u, nil
}

// Rewrite builds the upstream request for in. Scheme and authority come from
// target; method, path, query, headers and body come from in. The Host header
// is dropped so the upstream sees its own authority, and Authorization is set
// to the bearer token, replacing any inbound value.
func Rewrite(ctx context.Context, in *http.Request, target *url.URL, token string) (*http.Request, error) {
	if target == nil || target.Scheme == "" || target.Host == "" {
		return nil, model.NewError(model.KindInvalidTargetURL, nil, "target must be absolute with scheme and host")
	}

	authorization := "Bearer " + token
	if !httpguts.ValidHeaderFieldValue(authorization) {
		return nil, model.NewError(model.KindHeaderEncoding, nil, "token contains bytes not allowed in a header value")
	}

	u := *in.URL
	u.Scheme = target.Scheme
	u.Host = target.Host
	u.User = target.User
	u.Opaque = ""

	body := in.Body
	if in.ContentLength == 0 || body == nil {
		body = http.NoBody
	}

	out, err := http.NewRequestWithContext(ctx, in.Method, u.String(), body)
	if err != nil {
		return nil, model.NewError(model.KindInvalidTargetURL, err, "build upstream request")
	}
	out.URL = &u
	out.ContentLength = in.ContentLength
	if body == http.NoBody {
		out.ContentLength = 0
	}
	out.TransferEncoding = in.TransferEncoding
	out.Header = in.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	out.Header.Del("Host")
	out.Host = ""
	out.Header.Set("Authorization", authorization)
	out.Trailer = in.Trailer

	return out, nil
}
