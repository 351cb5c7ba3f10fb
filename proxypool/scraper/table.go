package scraper

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"

	"wxpush_gateway/internal/shared/logger"
	"wxpush_gateway/internal/shared/types"
	"wxpush_gateway/proxypool/model"
)

// TableScraper 抓取以 HTML 表格展示代理的页面, 每行一个代理, 列号从 0 开始。
type TableScraper struct {
	name           string
	urls           []string
	rowSelector    string
	ipColumn       int
	portColumn     int
	protocolColumn int
	protocol       model.Protocol
	delay          time.Duration
	client         *http.Client
}

func NewTableScraper(src types.SourceConf) *TableScraper {
	rowSelector := src.RowSelector
	if rowSelector == "" {
		rowSelector = "table tbody tr"
	}
	return &TableScraper{
		name:           src.Name,
		urls:           src.URLs,
		rowSelector:    rowSelector,
		ipColumn:       src.IPColumn,
		portColumn:     src.PortColumn,
		protocolColumn: src.ProtocolColumn,
		protocol:       sourceProtocol(src),
		delay:          time.Duration(src.DelaySeconds) * time.Second,
		client: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

func (s *TableScraper) Name() string {
	return s.name
}

// Scrape visits every page in order. A page that fails is skipped; the
// error is returned only when no page could be read at all.
func (s *TableScraper) Scrape(ctx context.Context) ([]model.Descriptor, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	var proxies []model.Descriptor
	var lastErr error
	pagesRead := 0
	for i, url := range s.urls {
		if i > 0 && !sleep(ctx, s.delay) {
			break
		}
		l.Debug().Str("url", url).Str("source", s.Name()).Msg("Scraping page...")

		doc, err := s.fetch(ctx, url)
		if err != nil {
			l.Warn().Err(err).Str("url", url).Str("source", s.Name()).Msg("Failed to fetch page.")
			lastErr = err
			continue
		}
		pagesRead++

		doc.Find(s.rowSelector).Each(func(j int, sel *goquery.Selection) {
			cells := sel.Find("td, th")
			ip := cells.Eq(s.ipColumn).Text()
			port := cells.Eq(s.portColumn).Text()
			protocolText := ""
			if s.protocolColumn >= 0 {
				protocolText = cells.Eq(s.protocolColumn).Text()
			}
			if p, ok := newDescriptor(ip, port, protocolText, s.protocol); ok {
				proxies = append(proxies, p)
			}
		})
	}

	if pagesRead == 0 && lastErr != nil {
		return nil, lastErr
	}
	l.Info().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}

func (s *TableScraper) fetch(ctx context.Context, url string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", s.Name(), err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page for %s: %w", s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, s.Name())
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML for %s: %w", s.Name(), err)
	}
	return doc, nil
}
