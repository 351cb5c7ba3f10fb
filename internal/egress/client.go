// Package egress builds HTTP clients that leave the host through a given
// proxy, or directly when no proxy is given.
package egress

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"

	"wxpush_gateway/proxypool/model"
)

// NewClient returns a client whose requests go through p. A nil p means a
// direct connection; environment proxy variables are ignored in that case.
//
// The returned client does not keep idle connections, callers create one per
// probe or delivery attempt.
func NewClient(p *model.Descriptor, timeout time.Duration) (*http.Client, error) {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		DisableKeepAlives:     true,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if p != nil {
		switch p.Protocol {
		case model.ProtocolHTTP:
			transport.Proxy = http.ProxyURL(p.URL())
		case model.ProtocolSOCKS5:
			// socks5h: the target hostname is sent to the proxy unresolved.
			d, err := proxy.FromURL(p.URL(), dialer)
			if err != nil {
				return nil, fmt.Errorf("egress: socks5 dialer for %s: %w", p.Redacted(), err)
			}
			cd, ok := d.(proxy.ContextDialer)
			if !ok {
				return nil, fmt.Errorf("egress: socks5 dialer for %s does not support contexts", p.Redacted())
			}
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return cd.DialContext(ctx, network, addr)
			}
		default:
			return nil, fmt.Errorf("egress: unsupported proxy protocol %q", p.Protocol)
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}

// Label names a candidate in logs and failure details: the redacted proxy URL
// or "direct".
func Label(p *model.Descriptor) string {
	if p == nil {
		return "direct"
	}
	return p.Redacted()
}
