package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"wxpush_gateway/internal/shared/logger"
	"wxpush_gateway/internal/shared/types"
	"wxpush_gateway/proxypool/model"
)

// 默认匹配形如 var fpsList = [...]; 的内嵌脚本变量
const defaultScriptPattern = `(?:var|let|const)\s+\w+\s*=\s*(\[.*?\]);`

// scriptEntry 是脚本变量中单个代理的 JSON 结构, 端口可能是字符串或数字。
type scriptEntry struct {
	IP       string      `json:"ip"`
	Port     json.Number `json:"port"`
	Protocol string      `json:"protocol"`
}

// ScriptScraper 抓取把代理列表以 JSON 数组写在页面脚本里的代理站。
// Pattern 的第一个捕获组必须是该 JSON 数组。
type ScriptScraper struct {
	name     string
	urls     []string
	pattern  *regexp.Regexp
	protocol model.Protocol
	delay    time.Duration
}

func NewScriptScraper(src types.SourceConf) (*ScriptScraper, error) {
	expr := src.Pattern
	if expr == "" {
		expr = defaultScriptPattern
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("scraper: source %q has invalid pattern: %w", src.Name, err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("scraper: source %q pattern needs a capture group", src.Name)
	}
	return &ScriptScraper{
		name:     src.Name,
		urls:     src.URLs,
		pattern:  re,
		protocol: sourceProtocol(src),
		delay:    time.Duration(src.DelaySeconds) * time.Second,
	}, nil
}

func (s *ScriptScraper) Name() string {
	return s.name
}

// Scrape 依次访问所有页面, 每次调用使用新的 collector。
func (s *ScriptScraper) Scrape(ctx context.Context) ([]model.Descriptor, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	c := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.StdlibContext(ctx),
	)
	c.SetRequestTimeout(requestTimeout)

	var (
		mu      sync.Mutex
		proxies []model.Descriptor
		errs    []error
		pagesOK int
	)

	c.OnResponse(func(r *colly.Response) {
		matches := s.pattern.FindSubmatch(r.Body)
		if len(matches) < 2 {
			l.Warn().Str("url", r.Request.URL.String()).Msg("Could not find proxy list in response body.")
			return
		}

		var entries []scriptEntry
		if err := json.Unmarshal(matches[1], &entries); err != nil {
			l.Warn().Err(err).Str("url", r.Request.URL.String()).Msg("Failed to unmarshal proxy list JSON.")
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			return
		}

		mu.Lock()
		defer mu.Unlock()
		pagesOK++
		for _, e := range entries {
			if p, ok := newDescriptor(e.IP, e.Port.String(), e.Protocol, s.protocol); ok {
				proxies = append(proxies, p)
			}
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		l.Error().Err(err).Int("status_code", r.StatusCode).Str("url", r.Request.URL.String()).Msg("Scrape request failed.")
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})

	for i, url := range s.urls {
		if i > 0 && !sleep(ctx, s.delay) {
			break
		}
		l.Debug().Str("url", url).Msg("Visiting page...")
		if err := c.Visit(url); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	}
	c.Wait() // 等待所有排队的 Visit 请求完成

	if pagesOK == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	l.Info().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}
