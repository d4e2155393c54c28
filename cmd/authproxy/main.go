package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/authproxy/authproxy/internal/client"
	"github.com/authproxy/authproxy/internal/config"
	"github.com/authproxy/authproxy/internal/credential"
	"github.com/authproxy/authproxy/internal/handler"
	"github.com/authproxy/authproxy/internal/metrics"
	"github.com/authproxy/authproxy/internal/middleware"
	"github.com/authproxy/authproxy/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("authproxy"),
		kong.Description("Reverse proxy that injects an Authorization header obtained from a command."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logger}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			newProvider,
			newCache,
			newProxyService,
			newMiddlewareChain,
			newEcho,
			client.NewUpstreamClient,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		h = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(h)
}

func newMetrics(cfg *config.Config) *metrics.Metrics {
	if !cfg.Server.AdminEnabled() {
		return metrics.New("")
	}
	return metrics.New(cfg.Server.AdminPrefix)
}

func newProvider(cfg *config.Config, logger *slog.Logger) (credential.Provider, error) {
	if cfg.Credential.StaticToken != "" {
		logger.Warn("using a static token; the credential command is not run")
		return credential.NewStaticProvider(cfg.Credential.StaticToken), nil
	}
	return credential.NewCommandProvider(cfg.Credential.Command, cfg.Credential.Timeout(), logger)
}

func newCache(cfg *config.Config, p credential.Provider, logger *slog.Logger, m *metrics.Metrics) *credential.Cache {
	return credential.NewCache(p, credential.CacheConfig{
		TTL:              cfg.Credential.CacheTTL(),
		RespectJWTExpiry: cfg.Credential.RespectJWTExpiry,
	}, logger, m)
}

func newProxyService(cache *credential.Cache, uc *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*service.ProxyService, error) {
	return service.NewProxyService(cache, uc, cfg, logger)
}

// newMiddlewareChain builds the per-request stack shared by routed requests
// and requests whose method the router does not know.
func newMiddlewareChain(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) middleware.Chain {
	adminPrefix := ""
	if cfg.Server.AdminEnabled() {
		adminPrefix = cfg.Server.AdminPrefix
	}

	chain := middleware.Chain{
		echomw.Recover(),
		middleware.RequestID(),
		middleware.RequestLogger(logger, adminPrefix),
		middleware.MetricsMiddleware(m),
		middleware.StripHopByHop(),
	}

	if cfg.Server.BodyMaxBytes > 0 {
		chain = append(chain, echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}

	if cfg.Server.RateLimit.Enabled {
		chain = append(chain, middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return chain
}

func newEcho(chain middleware.Chain) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Request bodies may be streamed to the upstream for as long as it takes,
	// so only the header read is bounded.
	e.Server.ReadTimeout = 0
	e.Server.ReadHeaderTimeout = 10 * time.Second
	// WriteTimeout is disabled (0) to avoid cutting off valid long-running streamed
	// responses. The upstream client bounds the wait for response headers.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second

	e.Use(chain...)

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, svc *service.ProxyService, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", ln.Addr().String(),
				"upstream", svc.Target().Redacted(),
				"cache_ttl", cfg.Credential.CacheTTL().String(),
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
