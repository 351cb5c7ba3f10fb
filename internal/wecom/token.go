package wecom

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"wxpush_gateway/internal/metrics"
	"wxpush_gateway/internal/shared/logger"
)

// tokenRefreshMargin 让缓存的 token 比接口给出的有效期提前 200 秒失效。
const tokenRefreshMargin = 200 * time.Second

// TokenFetcher obtains a fresh access token and its lifetime.
type TokenFetcher interface {
	FetchToken(ctx context.Context) (string, time.Duration, error)
}

// TokenCache 缓存 access_token, 并保证同一时刻最多只有一次刷新请求在进行,
// 并发的调用方等待并共享这一次刷新的结果。
type TokenCache struct {
	fetcher TokenFetcher
	metrics *metrics.Collector
	now     func() time.Time

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	flight singleflight.Group
}

func NewTokenCache(fetcher TokenFetcher, m *metrics.Collector) *TokenCache {
	return &TokenCache{
		fetcher: fetcher,
		metrics: m,
		now:     time.Now,
	}
}

// Token returns the cached token while it is valid, otherwise refreshes it.
// A refresh failure caches nothing and returns the fetcher's error.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}

	v, err, _ := c.flight.Do("access_token", func() (any, error) {
		// A flight that finished just before this one may have stored a token.
		if tok, ok := c.cached(); ok {
			return tok, nil
		}
		return c.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *TokenCache) refresh(ctx context.Context) (string, error) {
	l := logger.WithComponent("WeCom/Token")

	token, expiresIn, err := c.fetcher.FetchToken(ctx)
	c.metrics.RecordTokenRefresh(err == nil)
	if err != nil {
		l.Error().Err(err).Msg("Get access token failed.")
		return "", err
	}

	now := c.now()
	expiresAt := now.Add(expiresIn - tokenRefreshMargin)
	if !expiresAt.After(now) {
		// Lifetime shorter than the margin: usable once, never cached.
		l.Warn().Dur("expires_in", expiresIn).Msg("Access token lifetime too short to cache.")
		return token, nil
	}

	c.mu.Lock()
	c.token = token
	c.expiresAt = expiresAt
	c.mu.Unlock()

	l.Info().Time("expires_at", expiresAt).Msg("Access token refreshed.")
	return token, nil
}

func (c *TokenCache) cached() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token != "" && c.now().Before(c.expiresAt) {
		return c.token, true
	}
	return "", false
}

// Invalidate drops the cached token; the next call to Token refreshes it.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}
