package validator

import (
	"context"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"wxpush_gateway/internal/egress"
	"wxpush_gateway/internal/shared/logger"
	"wxpush_gateway/proxypool/model"
)

const (
	defaultCheckURL    = "https://httpbin.org/ip"
	defaultTimeout     = 5 * time.Second
	defaultConcurrency = 32
)

// Checker 对单个代理给出可达性结论。
type Checker interface {
	Check(ctx context.Context, p model.Descriptor) bool
}

// Validator 通过代理向检测地址发起 GET, 收到 HTTP 200 即视为可用。
type Validator struct {
	checkURL string
	timeout  time.Duration
}

var _ Checker = (*Validator)(nil)

func NewValidator(checkURL string, timeout time.Duration) *Validator {
	if checkURL == "" {
		checkURL = defaultCheckURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Validator{
		checkURL: checkURL,
		timeout:  timeout,
	}
}

// Check never returns an error: any failure to reach the check URL through p,
// or any status other than 200, yields false.
func (v *Validator) Check(ctx context.Context, p model.Descriptor) bool {
	l := logger.WithComponent("ProxyPool/Validator")

	client, err := egress.NewClient(&p, v.timeout)
	if err != nil {
		l.Warn().Err(err).Str("proxy", p.Redacted()).Msg("Cannot build client for proxy.")
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.checkURL, nil)
	if err != nil {
		l.Error().Err(err).Str("check_url", v.checkURL).Msg("Failed to create check request.")
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		l.Debug().Err(err).Str("proxy", p.Redacted()).Msg("Proxy unavailable.")
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		l.Debug().Int("status", resp.StatusCode).Str("proxy", p.Redacted()).Msg("Proxy check returned non-200 status.")
		return false
	}
	return true
}

// CheckAll probes every proxy concurrently, at most concurrency at a time,
// and waits for the whole batch. results[i] is the verdict for proxies[i].
func CheckAll(ctx context.Context, c Checker, proxies []model.Descriptor, concurrency int) []bool {
	l := logger.WithComponent("ProxyPool/Validator")
	results := make([]bool, len(proxies))
	if len(proxies) == 0 {
		return results
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	l.Info().Int("count", len(proxies)).Int("concurrency", concurrency).Msg("Starting validation batch...")
	start := time.Now()

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, p := range proxies {
		g.Go(func() error {
			results[i] = c.Check(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	healthy := 0
	for _, ok := range results {
		if ok {
			healthy++
		}
	}
	l.Info().Int("count", len(proxies)).Int("healthy", healthy).Dur("took", time.Since(start)).Msg("Validation batch finished.")
	return results
}
