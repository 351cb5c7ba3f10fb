// Package scraper harvests candidate proxies from public proxy-list pages.
// Harvested proxies are only candidates: they go through the same probe and
// insert path as proxies submitted by hand.
package scraper

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"wxpush_gateway/internal/shared/types"
	"wxpush_gateway/proxypool/model"
)

const (
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"
	requestTimeout = 20 * time.Second
)

// Scraper 接口定义了从代理源抓取代理信息的行为。
type Scraper interface {
	// Scrape 执行抓取操作, 只负责抓取和初步解析, 不进行验证。
	Scrape(ctx context.Context) ([]model.Descriptor, error)

	// Name 返回抓取器的名称，用于日志记录。
	Name() string
}

// FromConfig builds one scraper per configured source.
func FromConfig(sources []types.SourceConf) ([]Scraper, error) {
	scrapers := make([]Scraper, 0, len(sources))
	for _, src := range sources {
		if len(src.URLs) == 0 {
			return nil, fmt.Errorf("scraper: source %q has no urls", src.Name)
		}
		switch src.Kind {
		case "table", "":
			scrapers = append(scrapers, NewTableScraper(src))
		case "script":
			s, err := NewScriptScraper(src)
			if err != nil {
				return nil, err
			}
			scrapers = append(scrapers, s)
		default:
			return nil, fmt.Errorf("scraper: source %q has unknown kind %q", src.Name, src.Kind)
		}
	}
	return scrapers, nil
}

// newDescriptor validates one scraped row. protocolText is the raw protocol
// cell (e.g. "HTTP, HTTPS" or "SOCKS5"); when empty the fallback is used.
func newDescriptor(ip, portStr, protocolText string, fallback model.Protocol) (model.Descriptor, bool) {
	ip = strings.TrimSpace(ip)
	if net.ParseIP(ip) == nil || strings.Contains(ip, ":") {
		return model.Descriptor{}, false
	}
	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil || port <= 0 || port > 65535 {
		return model.Descriptor{}, false
	}

	protocol := fallback
	if protocolText = strings.ToUpper(strings.TrimSpace(protocolText)); protocolText != "" {
		switch {
		case strings.Contains(protocolText, "SOCKS5"):
			protocol = model.ProtocolSOCKS5
		case strings.Contains(protocolText, "HTTP"):
			protocol = model.ProtocolHTTP
		default:
			return model.Descriptor{}, false
		}
	}
	if protocol == "" {
		protocol = model.ProtocolHTTP
	}
	return model.Descriptor{Protocol: protocol, Host: ip, Port: port}, true
}

func sourceProtocol(src types.SourceConf) model.Protocol {
	if p, ok := model.ParseProtocol(strings.ToLower(src.Protocol)); ok {
		return p
	}
	return model.ProtocolHTTP
}

// sleep waits d or until ctx ends, whichever comes first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
