package credential

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/authproxy/authproxy/internal/metrics"
	"github.com/authproxy/authproxy/internal/model"
)

// CacheConfig controls token lifetime in a Cache.
type CacheConfig struct {
	// TTL is how long a fetched token is served. Zero refreshes on every call.
	TTL time.Duration
	// RespectJWTExpiry caps an entry's lifetime at the token's own "exp"
	// claim (minus a small skew) when the token is a JWT.
	RespectJWTExpiry bool
}

// cachedCredential is replaced wholesale on refresh, never mutated.
type cachedCredential struct {
	token      string
	insertedAt time.Time
	expiresAt  time.Time
}

// refresh is one in-flight provider call shared by every caller that
// found the slot empty or expired while it ran.
type refresh struct {
	done    chan struct{}
	waiters int // guarded by Cache.mu
	token   string
	err     error
}

// Cache holds at most one token and refreshes it through a Provider.
// At most one provider call is outstanding at any time; concurrent callers
// that need a fresh token wait for that call and share its result.
type Cache struct {
	provider Provider
	cfg      CacheConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu        sync.Mutex
	entry     *cachedCredential
	inflight  *refresh
	refreshes uint64
	failures  uint64
}

// NewCache creates a Cache around p.
// The metrics parameter is optional; pass nil to disable cache metrics.
func NewCache(p Provider, cfg CacheConfig, logger *slog.Logger, m *metrics.Metrics) *Cache {
	return &Cache{
		provider: p,
		cfg:      cfg,
		logger:   logger.With("component", "token_cache"),
		metrics:  m,
		now:      time.Now,
	}
}

// Token returns the cached token, refreshing it first when the slot is empty
// or expired. A failed refresh is reported to every caller that waited on it
// and leaves the slot empty, so the next call starts a new refresh.
//
// The refresh itself is not tied to ctx: a caller that gives up waiting
// returns ctx.Err() while the refresh completes for the others.
func (c *Cache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if e := c.entry; e != nil && c.now().Before(e.expiresAt) {
		c.mu.Unlock()
		c.observeLookup("hit")
		return e.token, nil
	}

	r := c.inflight
	result := "shared"
	if r == nil {
		r = &refresh{done: make(chan struct{})}
		c.inflight = r
		result = "miss"
		go c.refresh(context.WithoutCancel(ctx), r)
	}
	r.waiters++
	c.mu.Unlock()
	c.observeLookup(result)

	select {
	case <-r.done:
		return r.token, r.err
	case <-ctx.Done():
		c.mu.Lock()
		r.waiters--
		c.mu.Unlock()
		return "", fmt.Errorf("wait for credential refresh: %w", ctx.Err())
	}
}

func (c *Cache) refresh(ctx context.Context, r *refresh) {
	c.logger.Debug("refreshing credential")
	start := time.Now()

	token, err := c.fetch(ctx)

	if c.metrics != nil {
		c.metrics.CredentialRefreshSeconds.Observe(time.Since(start).Seconds())
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		c.metrics.CredentialRefreshes.WithLabelValues(outcome).Inc()
	}

	c.mu.Lock()
	if err != nil {
		c.entry = nil
		c.failures++
	} else {
		now := c.now()
		c.entry = &cachedCredential{
			token:      token,
			insertedAt: now,
			expiresAt:  c.expiry(token, now),
		}
	}
	c.refreshes++
	c.inflight = nil
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug("credential refresh failed", "err", err, "duration_ms", time.Since(start).Milliseconds())
	} else {
		c.logger.Debug("credential refreshed", "token", maskToken(token), "duration_ms", time.Since(start).Milliseconds())
	}

	r.token, r.err = token, err
	close(r.done)
}

// fetch calls the provider once and normalizes its output.
func (c *Cache) fetch(ctx context.Context) (string, error) {
	raw, err := c.provider.Token(ctx)
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(raw)
	if token == "" {
		return "", model.NewError(model.KindInvalidCredentialOutput, nil, "credential is empty")
	}
	return token, nil
}

func (c *Cache) expiry(token string, insertedAt time.Time) time.Time {
	expiresAt := insertedAt.Add(c.cfg.TTL)
	if !c.cfg.RespectJWTExpiry {
		return expiresAt
	}
	if exp, ok := jwtExpiry(token); ok {
		if capped := exp.Add(-jwtExpirySkew); capped.Before(expiresAt) {
			c.logger.Debug("token lifetime capped by JWT exp", "exp", exp)
			return capped
		}
	}
	return expiresAt
}

func (c *Cache) observeLookup(result string) {
	if c.metrics != nil {
		c.metrics.CredentialLookups.WithLabelValues(result).Inc()
	}
}

// CacheState is a snapshot of the cache without the token itself.
type CacheState struct {
	Cached           bool    `json:"cached"`
	AgeSeconds       float64 `json:"age_seconds"`
	ExpiresInSeconds float64 `json:"expires_in_seconds"`
	TTLSeconds       float64 `json:"ttl_seconds"`
	Refreshing       bool    `json:"refreshing"`
	Waiters          int     `json:"waiters"`
	Refreshes        uint64  `json:"refreshes"`
	Failures         uint64  `json:"failures"`
}

// State returns a snapshot of the cache for status reporting.
func (c *Cache) State() CacheState {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	s := CacheState{
		TTLSeconds: c.cfg.TTL.Seconds(),
		Refreshes:  c.refreshes,
		Failures:   c.failures,
	}
	if e := c.entry; e != nil && now.Before(e.expiresAt) {
		s.Cached = true
		s.AgeSeconds = now.Sub(e.insertedAt).Seconds()
		s.ExpiresInSeconds = e.expiresAt.Sub(now).Seconds()
	}
	if r := c.inflight; r != nil {
		s.Refreshing = true
		s.Waiters = r.waiters
	}
	return s
}
