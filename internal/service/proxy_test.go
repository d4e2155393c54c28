package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/authproxy/authproxy/internal/client"
	"github.com/authproxy/authproxy/internal/config"
	"github.com/authproxy/authproxy/internal/credential"
	"github.com/authproxy/authproxy/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

// staticTokens returns a fixed token or error.
type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) Token(context.Context) (string, error) { return s.token, s.err }

// recordingForwarder captures the outbound request instead of sending it.
type recordingForwarder struct {
	mu   sync.Mutex
	reqs []*http.Request
}

func (f *recordingForwarder) Do(req *http.Request) (*model.ProxyResponse, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return &model.ProxyResponse{StatusCode: http.StatusOK, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(""))}, nil
}

func TestRewrite(t *testing.T) {
	target := mustParse(t, "https://upstream.example:8443")

	tests := []struct {
		name    string
		inbound string
		want    string
	}{
		{"path and query", "/foo/bar?x=1", "https://upstream.example:8443/foo/bar?x=1"},
		{"root", "/", "https://upstream.example:8443/"},
		{"escaped path preserved", "/a%2Fb/c?q=a+b&q=c", "https://upstream.example:8443/a%2Fb/c?q=a+b&q=c"},
		{"absolute-form inbound", "http://client-facing.local/x?y=2", "https://upstream.example:8443/x?y=2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := httptest.NewRequest(http.MethodGet, tt.inbound, http.NoBody)
			out, err := Rewrite(context.Background(), in, target, "tok")
			if err != nil {
				t.Fatalf("Rewrite() error = %v", err)
			}
			if got := out.URL.String(); got != tt.want {
				t.Errorf("URL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRewrite_Headers(t *testing.T) {
	target := mustParse(t, "https://upstream.example:8443")
	in := httptest.NewRequest(http.MethodGet, "http://client-facing.local/foo", http.NoBody)
	in.Header.Set("Host", "client-facing.local")
	in.Header.Set("Authorization", "Basic old")
	in.Header.Add("X-Multi", "a")
	in.Header.Add("X-Multi", "b")

	out, err := Rewrite(context.Background(), in, target, "secret-token")
	if err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}

	if got := out.Header.Values("Authorization"); len(got) != 1 || got[0] != "Bearer secret-token" {
		t.Errorf("Authorization = %q, want [Bearer secret-token]", got)
	}
	if out.Header.Get("Host") != "" {
		t.Errorf("Host header = %q, want removed", out.Header.Get("Host"))
	}
	if out.Host != "" {
		t.Errorf("Request.Host = %q, want empty so the target authority is used", out.Host)
	}
	if got := out.Header.Values("X-Multi"); len(got) != 2 {
		t.Errorf("X-Multi = %q, want both values kept", got)
	}
	// The inbound request is not mutated.
	if in.Header.Get("Authorization") != "Basic old" {
		t.Errorf("inbound Authorization mutated to %q", in.Header.Get("Authorization"))
	}
}

func TestRewrite_BodyTransferred(t *testing.T) {
	target := mustParse(t, "http://upstream.example")
	in := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("payload"))

	out, err := Rewrite(context.Background(), in, target, "tok")
	if err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	if out.Method != http.MethodPost {
		t.Errorf("Method = %q, want POST", out.Method)
	}
	if out.ContentLength != int64(len("payload")) {
		t.Errorf("ContentLength = %d, want %d", out.ContentLength, len("payload"))
	}
	body, err := io.ReadAll(out.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "payload" {
		t.Errorf("body = %q, want %q", body, "payload")
	}
}

func TestRewrite_EmptyBody(t *testing.T) {
	in := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	out, err := Rewrite(context.Background(), in, mustParse(t, "http://u.example"), "tok")
	if err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	if out.Body != http.NoBody || out.ContentLength != 0 {
		t.Errorf("Body = %v, ContentLength = %d; want NoBody and 0", out.Body, out.ContentLength)
	}
}

func TestRewrite_InvalidTarget(t *testing.T) {
	in := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	for _, raw := range []string{"/relative", "upstream.example:8443/x", "https://"} {
		target, _ := url.Parse(raw)
		if _, err := Rewrite(context.Background(), in, target, "tok"); !errors.Is(err, model.ErrInvalidTargetURL) {
			t.Errorf("Rewrite(target=%q) error = %v, want ErrInvalidTargetURL", raw, err)
		}
	}
	if _, err := Rewrite(context.Background(), in, nil, "tok"); !errors.Is(err, model.ErrInvalidTargetURL) {
		t.Errorf("Rewrite(nil target) error = %v, want ErrInvalidTargetURL", err)
	}
}

func TestRewrite_HeaderEncoding(t *testing.T) {
	in := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	for _, token := range []string{"line1\nline2", "nul\x00byte", "cr\rlf"} {
		_, err := Rewrite(context.Background(), in, mustParse(t, "https://u.example"), token)
		if !errors.Is(err, model.ErrHeaderEncoding) {
			t.Errorf("Rewrite(token=%q) error = %v, want ErrHeaderEncoding", token, err)
		}
	}
}

func TestRewrite_Idempotent(t *testing.T) {
	target := mustParse(t, "https://upstream.example:8443")
	build := func() *http.Request {
		in := httptest.NewRequest(http.MethodPut, "/items/7?v=2", http.NoBody)
		in.Header.Set("Accept", "application/json")
		in.Header.Set("Host", "proxy.local")
		out, err := Rewrite(context.Background(), in, target, "tok")
		if err != nil {
			t.Fatalf("Rewrite() error = %v", err)
		}
		return out
	}

	a, b := build(), build()
	if a.URL.String() != b.URL.String() || a.Method != b.Method {
		t.Errorf("outbound requests differ: %s %s vs %s %s", a.Method, a.URL, b.Method, b.URL)
	}
	if len(a.Header) != len(b.Header) {
		t.Fatalf("header sets differ: %v vs %v", a.Header, b.Header)
	}
	for k, v := range a.Header {
		if strings.Join(v, ",") != strings.Join(b.Header[k], ",") {
			t.Errorf("header %s differs: %q vs %q", k, v, b.Header[k])
		}
	}
}

func TestParseTarget(t *testing.T) {
	if _, err := ParseTarget("https://upstream.example:8443/base"); err != nil {
		t.Errorf("ParseTarget() error = %v", err)
	}
	for _, raw := range []string{"", "/x", "://bad", "https://"} {
		if _, err := ParseTarget(raw); !errors.Is(err, model.ErrInvalidTargetURL) {
			t.Errorf("ParseTarget(%q) error = %v, want ErrInvalidTargetURL", raw, err)
		}
	}
}

func TestNewProxyService_InvalidTarget(t *testing.T) {
	cfg := &config.Config{Upstream: config.UpstreamConfig{BaseURL: "not-a-url"}}
	if _, err := NewProxyService(staticTokens{token: "t"}, &recordingForwarder{}, cfg, discardLogger()); err == nil {
		t.Fatal("NewProxyService() expected error, got nil")
	}
}

func TestForward_UsesTokenAndTarget(t *testing.T) {
	fwd := &recordingForwarder{}
	cfg := &config.Config{Upstream: config.UpstreamConfig{BaseURL: "https://upstream.example:8443"}}
	svc, err := NewProxyService(staticTokens{token: "abc"}, fwd, cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewProxyService() error = %v", err)
	}

	in := httptest.NewRequest(http.MethodGet, "/foo/bar?x=1", http.NoBody)
	resp, err := svc.Forward(in)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	if len(fwd.reqs) != 1 {
		t.Fatalf("forwarded %d requests, want 1", len(fwd.reqs))
	}
	out := fwd.reqs[0]
	if out.URL.String() != "https://upstream.example:8443/foo/bar?x=1" {
		t.Errorf("URL = %q", out.URL)
	}
	if out.Header.Get("Authorization") != "Bearer abc" {
		t.Errorf("Authorization = %q, want %q", out.Header.Get("Authorization"), "Bearer abc")
	}
}

func TestForward_CredentialFailureNotForwarded(t *testing.T) {
	fwd := &recordingForwarder{}
	cfg := &config.Config{Upstream: config.UpstreamConfig{BaseURL: "https://upstream.example"}}
	tokErr := model.NewError(model.KindSubprocessFailed, nil, "print-token")
	svc, err := NewProxyService(staticTokens{err: tokErr}, fwd, cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewProxyService() error = %v", err)
	}

	_, err = svc.Forward(httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if !errors.Is(err, model.ErrSubprocessFailed) {
		t.Fatalf("Forward() error = %v, want ErrSubprocessFailed", err)
	}
	if len(fwd.reqs) != 0 {
		t.Errorf("forwarded %d requests, want 0", len(fwd.reqs))
	}
}

func TestForward_EndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer from-cache" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer from-cache")
		}
		if r.URL.RawQuery != "x=1" {
			t.Errorf("query = %q, want %q", r.URL.RawQuery, "x=1")
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("echo:" + string(body)))
	}))
	defer upstream.Close()

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:         upstream.URL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	logger := discardLogger()
	cache := credential.NewCache(credential.NewStaticProvider("from-cache\n"), credential.CacheConfig{TTL: time.Minute}, logger, nil)
	uc := client.NewUpstreamClient(cfg, logger, nil)
	svc, err := NewProxyService(cache, uc, cfg, logger)
	if err != nil {
		t.Fatalf("NewProxyService() error = %v", err)
	}

	in := httptest.NewRequest(http.MethodPost, "http://proxy.local/foo?x=1", strings.NewReader("hello"))
	resp, err := svc.Forward(in)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	if resp.Header.Get("X-Upstream") != "yes" {
		t.Errorf("X-Upstream = %q, want passthrough", resp.Header.Get("X-Upstream"))
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "echo:hello" {
		t.Errorf("body = %q, want %q", body, "echo:hello")
	}
}
