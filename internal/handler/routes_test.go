package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/authproxy/authproxy/internal/credential"
	"github.com/authproxy/authproxy/internal/metrics"
	"github.com/authproxy/authproxy/internal/middleware"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream-Path", r.URL.Path)
		w.Header().Set("X-Upstream-Method", r.Method)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	cfg.Metrics.Enabled = true

	proxy, cache := newTestHandler(t, cfg, credential.NewStaticProvider("test-token"))
	health := NewHealthHandler(cfg, "test", cache)
	m := metrics.New(cfg.Server.AdminPrefix)

	chain := middleware.Chain{middleware.RequestID(), middleware.StripHopByHop()}

	e := echo.New()
	e.Use(chain...)
	RegisterRoutes(e, cfg, proxy, health, m, chain)

	tests := []struct {
		name         string
		method       string
		path         string
		wantStatus   int
		wantUpstream string
	}{
		{"GET healthz", http.MethodGet, "/_authproxy/healthz", http.StatusOK, ""},
		{"GET status", http.MethodGet, "/_authproxy/status", http.StatusOK, ""},
		{"GET metrics", http.MethodGet, "/_authproxy/metrics", http.StatusOK, ""},
		{"GET root proxied", http.MethodGet, "/", http.StatusOK, "/"},
		{"GET nested proxied", http.MethodGet, "/api/v3/search?query=test", http.StatusOK, "/api/v3/search"},
		{"POST proxied", http.MethodPost, "/v1/items", http.StatusOK, "/v1/items"},
		{"DELETE proxied", http.MethodDelete, "/v1/items/7", http.StatusOK, "/v1/items/7"},
		{"healthz outside prefix proxied", http.MethodGet, "/healthz", http.StatusOK, "/healthz"},
		{"PURGE proxied", "PURGE", "/cache/item", http.StatusOK, "/cache/item"},
		{"MKCOL proxied", "MKCOL", "/dav/new-dir", http.StatusOK, "/dav/new-dir"},
		{"QUERY proxied", "QUERY", "/search", http.StatusOK, "/search"},
		{"custom verb at root proxied", "FROBNICATE", "/", http.StatusOK, "/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("X-Upstream-Path"); got != tt.wantUpstream {
				t.Errorf("X-Upstream-Path = %q, want %q", got, tt.wantUpstream)
			}
			if tt.wantUpstream != "" {
				if got := rec.Header().Get("X-Upstream-Method"); got != tt.method {
					t.Errorf("X-Upstream-Method = %q, want %q", got, tt.method)
				}
			}
			if rec.Header().Get(echo.HeaderXRequestID) == "" {
				t.Error("X-Request-Id missing; middleware chain not applied")
			}
			isAdmin := strings.HasPrefix(tt.path, "/_authproxy/")
			if got := rec.Header().Get("X-Content-Type-Options") == "nosniff"; got != isAdmin {
				t.Errorf("security headers present = %v, want %v", got, isAdmin)
			}
		})
	}
}

func TestRegisterRoutes_AdminDisabled(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream-Path", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	cfg.Server.DisableAdmin = true

	proxy, cache := newTestHandler(t, cfg, credential.NewStaticProvider("test-token"))
	health := NewHealthHandler(cfg, "test", cache)

	e := echo.New()
	RegisterRoutes(e, cfg, proxy, health, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/_authproxy/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Upstream-Path"); got != "/_authproxy/healthz" {
		t.Errorf("X-Upstream-Path = %q, want request proxied", got)
	}
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream-Path", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)

	proxy, cache := newTestHandler(t, cfg, credential.NewStaticProvider("test-token"))
	health := NewHealthHandler(cfg, "test", cache)

	e := echo.New()
	RegisterRoutes(e, cfg, proxy, health, metrics.New(cfg.Server.AdminPrefix), nil)

	req := httptest.NewRequest(http.MethodGet, "/_authproxy/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics served although disabled")
	}
}
