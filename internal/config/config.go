// Package config handles CLI parsing, TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/kballard/go-shellquote"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/authproxy/authproxy/internal/model"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/authproxy/config.toml",
	"configs/config.toml",
}

const (
	defaultHost                = "127.0.0.1"
	defaultPort                = 4545
	defaultCacheTTLSeconds     = 300
	defaultUpstreamTimeout     = 600
	defaultCredentialTimeout   = 60
	defaultIdleConnections     = 100
	defaultAdminPrefix         = "/_authproxy"
	defaultMetricsPath         = "/metrics"
	placeholderCredentialToken = "YOUR_TOKEN_HERE"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config        string           `kong:"short='c',help='Path to TOML config file.',env='AUTHPROXY_CONFIG'"`
	ListenHost    string           `kong:"help='Which host to listen on (overrides config).',env='AUTHPROXY_LISTEN_HOST'"`
	ListenPort    OptionalInt      `kong:"short='p',placeholder='PORT',help='Which port to listen on (overrides config).',env='AUTHPROXY_LISTEN_PORT'"`
	CacheTTL      OptionalInt      `kong:"name='cache-ttl',placeholder='SECONDS',help='For how many seconds to keep the last token cached; 0 refreshes on every request (overrides config, default 300).'"`
	InsecureHTTPS bool             `kong:"name='insecure-https',help='Ignore errors in upstream HTTPS certificate validation.'"`
	LogLevel      string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Version       kong.VersionFlag `kong:"help='Print version and exit.'"`

	Target  string   `kong:"arg='',optional='',name='target-url',help='Upstream base URL (overrides config).'"`
	Command []string `kong:"arg='',optional='',passthrough='',name='command',help='Command whose standard output is used as the bearer token (overrides config).'"`
}

// OptionalInt is an integer flag that records whether it was given, so an
// explicit 0 is not mistaken for an omitted flag.
type OptionalInt struct {
	Value int
	Set   bool
}

// Decode implements kong.MapperValue.
func (o *OptionalInt) Decode(ctx *kong.DecodeContext) error {
	t, err := ctx.Scan.PopValue("integer")
	if err != nil {
		return err
	}
	raw := strings.TrimSpace(fmt.Sprint(t.Value))
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("expected an integer but got %q", raw)
	}
	o.Value, o.Set = v, true
	return nil
}

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Upstream   UpstreamConfig   `toml:"upstream"`
	Credential CredentialConfig `toml:"credential"`
	Log        LogConfig        `toml:"log"`
	Metrics    MetricsConfig    `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds inbound HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (4545)
	BodyMaxBytes int64           `toml:"body_max_bytes"` // 0 means unlimited
	AdminPrefix  string          `toml:"admin_prefix"`
	DisableAdmin bool            `toml:"disable_admin"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL            string `toml:"base_url"`
	TimeoutSeconds     int    `toml:"timeout_seconds"`
	IdleConnections    int    `toml:"idle_connections"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// CredentialConfig describes where bearer tokens come from and how long they are cached.
type CredentialConfig struct {
	// Command is the executable followed by its arguments.
	Command []string `toml:"command"`
	// CommandLine is an alternative to Command, split with shell quoting rules.
	CommandLine string `toml:"command_line"`
	// StaticToken replaces the command with a fixed token.
	StaticToken string `toml:"static_token"`

	CacheTTLSeconds  *int `toml:"cache_ttl_seconds"` // nil means default; 0 disables caching
	TimeoutSeconds   int  `toml:"timeout_seconds"`
	RespectJWTExpiry bool `toml:"respect_jwt_expiry"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"` // relative to the admin prefix
}

// Load reads the optional TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or AUTHPROXY_CONFIG), it searches
// /etc/authproxy/config.toml then configs/config.toml; finding neither is not an
// error, the CLI alone may carry the full configuration.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, configError(err, "read %s", path)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, configError(err, "parse %s", path)
		}
		cfg.filePath = path
	}

	if err := cfg.Credential.resolveCommandLine(); err != nil {
		return nil, configError(err, "credential")
	}
	if err := cfg.applyCLI(cli); err != nil {
		return nil, configError(err, "command line")
	}

	if err := cfg.validate(); err != nil {
		return nil, configError(err, "validate")
	}

	cfg.setDefaults()
	return &cfg, nil
}

func configError(cause error, format string, args ...any) error {
	return model.NewError(model.KindConfiguration, cause, format, args...)
}

// resolveCommandLine splits CommandLine into Command.
func (c *CredentialConfig) resolveCommandLine() error {
	if c.CommandLine == "" {
		return nil
	}
	if len(c.Command) > 0 {
		return errors.New("credential.command and credential.command_line are mutually exclusive")
	}
	words, err := shellquote.Split(c.CommandLine)
	if err != nil {
		return fmt.Errorf("credential.command_line: %w", err)
	}
	c.Command = words
	return nil
}

// applyCLI overrides config values with CLI flags that were given.
func (c *Config) applyCLI(cli *CLI) error {
	if cli.ListenHost != "" {
		c.Server.Host = cli.ListenHost
	}
	if p := cli.ListenPort; p.Set {
		if p.Value < 1 || p.Value > 65535 {
			return fmt.Errorf("--listen-port must be 1–65535; got %d", p.Value)
		}
		c.Server.Port = p.Value
	}
	if cli.Target != "" {
		c.Upstream.BaseURL = cli.Target
	}
	if cli.InsecureHTTPS {
		c.Upstream.InsecureSkipVerify = true
	}
	if t := cli.CacheTTL; t.Set {
		if t.Value < 0 {
			return fmt.Errorf("--cache-ttl must be non-negative; got %d", t.Value)
		}
		ttl := t.Value
		c.Credential.CacheTTLSeconds = &ttl
	}
	if len(cli.Command) > 0 {
		c.Credential.Command = cli.Command
		c.Credential.CommandLine = ""
		c.Credential.StaticToken = ""
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	return nil
}

func (c *Config) validate() error {
	// Upstream URL: required, absolute, with scheme and authority.
	if c.Upstream.BaseURL == "" {
		return errors.New("upstream.base_url is required (config file or TARGET_URL argument)")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url must use http or https; got %q", c.Upstream.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.base_url must include a host; got %q", c.Upstream.BaseURL)
	}

	// Credential source: exactly one of command / static token.
	hasCommand := len(c.Credential.Command) > 0
	hasStatic := c.Credential.StaticToken != ""
	switch {
	case hasCommand && hasStatic:
		return errors.New("credential.command and credential.static_token are mutually exclusive")
	case !hasCommand && !hasStatic:
		return errors.New("a credential command is required (config file or trailing COMMAND arguments)")
	case hasCommand && c.Credential.Command[0] == "":
		return errors.New("credential.command executable must not be empty")
	case hasStatic && c.Credential.StaticToken == placeholderCredentialToken:
		return errors.New("credential.static_token contains placeholder value")
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if ttl := c.Credential.CacheTTLSeconds; ttl != nil && *ttl < 0 {
		return fmt.Errorf("credential.cache_ttl_seconds must be non-negative; got %d", *ttl)
	}
	if c.Credential.TimeoutSeconds < 0 {
		return fmt.Errorf("credential.timeout_seconds must be non-negative; got %d", c.Credential.TimeoutSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Admin routes share the listener with proxied traffic.
	if p := c.Server.AdminPrefix; p != "" {
		if p[0] != '/' || p == "/" || strings.HasSuffix(p, "/") {
			return fmt.Errorf("server.admin_prefix must start with '/', not end with '/', and not be the root; got %q", p)
		}
	}
	if c.Metrics.Enabled {
		if c.Server.DisableAdmin {
			return errors.New("metrics.enabled requires admin routes; unset server.disable_admin")
		}
		if p := c.Metrics.Path; p != "" {
			if p[0] != '/' {
				return fmt.Errorf("metrics.path must start with '/'; got %q", p)
			}
			for _, reserved := range []string{"/healthz", "/status"} {
				if p == reserved || strings.HasPrefix(p, reserved+"/") {
					return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
				}
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish between
// an explicit 0 and an omitted key. The cache TTL is the exception: it is a
// pointer so that 0 ("always refresh") stays expressible.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = defaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.AdminPrefix == "" {
		c.Server.AdminPrefix = defaultAdminPrefix
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = defaultUpstreamTimeout
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = defaultIdleConnections
	}
	if c.Credential.CacheTTLSeconds == nil {
		ttl := defaultCacheTTLSeconds
		c.Credential.CacheTTLSeconds = &ttl
	}
	if c.Credential.TimeoutSeconds == 0 {
		c.Credential.TimeoutSeconds = defaultCredentialTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = defaultMetricsPath
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// AdminEnabled reports whether the admin routes are served.
func (c *ServerConfig) AdminEnabled() bool {
	return !c.DisableAdmin && c.AdminPrefix != ""
}

// Timeout returns the upstream round-trip bound.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CacheTTL returns the token cache time-to-live.
func (c *CredentialConfig) CacheTTL() time.Duration {
	if c.CacheTTLSeconds == nil {
		return defaultCacheTTLSeconds * time.Second
	}
	return time.Duration(*c.CacheTTLSeconds) * time.Second
}

// Timeout returns the bound on a single credential command run.
func (c *CredentialConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file may hold a static token or a command line with secrets in its arguments.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
