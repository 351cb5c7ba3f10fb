package model

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// Protocol 是代理的出口协议。
type Protocol string

const (
	ProtocolHTTP   Protocol = "http"
	ProtocolSOCKS5 Protocol = "socks5"
)

// ParseProtocol 将库存或导入文本中的协议名转换为 Protocol, 不支持的协议返回 false。
func ParseProtocol(s string) (Protocol, bool) {
	switch Protocol(s) {
	case ProtocolHTTP, ProtocolSOCKS5:
		return Protocol(s), true
	}
	return "", false
}

// Status 是库存行上记录的可用状态。
type Status int

const (
	StatusUnavailable Status = 0
	StatusAvailable   Status = 1
)

// StatusOf maps a probe verdict to the stored status value.
func StatusOf(healthy bool) Status {
	if healthy {
		return StatusAvailable
	}
	return StatusUnavailable
}

// Descriptor 描述一条出口代理, 是不可变的值对象。
// 两个 Descriptor 以渲染后的连接 URL 判等, 见 Key。
type Descriptor struct {
	Protocol Protocol `json:"protocol"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
}

// Scheme returns the URL scheme used when dialing through the proxy.
// SOCKS5 proxies always resolve the target host on the proxy side (socks5h).
func (d Descriptor) Scheme() string {
	if d.Protocol == ProtocolSOCKS5 {
		return "socks5h"
	}
	return string(d.Protocol)
}

// URL renders protocol://[user:pass@]host:port using the dialing scheme.
func (d Descriptor) URL() *url.URL {
	u := &url.URL{
		Scheme: d.Scheme(),
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
	}
	if d.Username != "" && d.Password != "" {
		u.User = url.UserPassword(d.Username, d.Password)
	}
	return u
}

// Key 是 Descriptor 的判等键, 即渲染后的连接 URL。
func (d Descriptor) Key() string {
	return d.URL().String()
}

// Redacted 用于日志和接口输出, 隐藏密码。
func (d Descriptor) Redacted() string {
	return d.URL().Redacted()
}

func (d Descriptor) String() string {
	return d.Redacted()
}

// Record 是代理库存中的一行。
type Record struct {
	ID        int64     `json:"id"`
	Protocol  Protocol  `json:"protocol"`
	Host      string    `json:"ip"`
	Port      int       `json:"port"`
	Username  string    `json:"user"`
	Password  string    `json:"-"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Descriptor renders the connection descriptor of a stored row.
func (r *Record) Descriptor() Descriptor {
	return Descriptor{
		Protocol: r.Protocol,
		Host:     r.Host,
		Port:     r.Port,
		Username: r.Username,
		Password: r.Password,
	}
}

func (r *Record) String() string {
	return fmt.Sprintf("#%d %s", r.ID, r.Descriptor().Redacted())
}
