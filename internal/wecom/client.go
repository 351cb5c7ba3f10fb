// Package wecom talks to the WeCom (企业微信) application-message API: it
// fetches and caches access tokens and sends messages through a chosen
// egress path.
package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"wxpush_gateway/internal/egress"
	"wxpush_gateway/internal/shared/types"
	"wxpush_gateway/proxypool/model"
)

const (
	defaultBaseURL     = "https://qyapi.weixin.qq.com"
	defaultExpiresIn   = 7200 * time.Second
	defaultCallTimeout = 10 * time.Second
	maxResponseBody    = 1 << 20
)

// Client 封装 gettoken 与 message/send 两个接口。
type Client struct {
	baseURL      string
	corpID       string
	corpSecret   string
	agentID      int64
	tokenTimeout time.Duration
	sendTimeout  time.Duration
}

func NewClient(cfg types.WeComConf) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		corpID:       cfg.CorpID,
		corpSecret:   cfg.CorpSecret,
		agentID:      cfg.AgentID,
		tokenTimeout: time.Duration(cfg.TokenTimeoutSeconds) * time.Second,
		sendTimeout:  time.Duration(cfg.SendTimeoutSeconds) * time.Second,
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.tokenTimeout <= 0 {
		c.tokenTimeout = defaultCallTimeout
	}
	if c.sendTimeout <= 0 {
		c.sendTimeout = defaultCallTimeout
	}
	return c
}

// AgentID returns the application id messages are sent from.
func (c *Client) AgentID() int64 {
	return c.agentID
}

// FetchToken requests a new access token. It always connects directly,
// never through the proxy pool. Failures are returned as *AuthError.
func (c *Client) FetchToken(ctx context.Context) (string, time.Duration, error) {
	q := url.Values{}
	q.Set("corpid", c.corpID)
	q.Set("corpsecret", c.corpSecret)
	endpoint := c.baseURL + "/cgi-bin/gettoken?" + q.Encode()

	ctx, cancel := context.WithTimeout(ctx, c.tokenTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", 0, &AuthError{Err: err}
	}
	data, err := c.do(nil, c.tokenTimeout, req)
	if err != nil {
		return "", 0, &AuthError{Err: err}
	}
	if code := errCode(data); code != 0 {
		return "", 0, &AuthError{Payload: data}
	}

	token, _ := data["access_token"].(string)
	if token == "" {
		return "", 0, &AuthError{Payload: data}
	}
	expiresIn := defaultExpiresIn
	if n, ok := data["expires_in"].(json.Number); ok {
		if secs, err := n.Int64(); err == nil && secs > 0 {
			expiresIn = time.Duration(secs) * time.Second
		}
	}
	return token, expiresIn, nil
}

// Send posts payload to message/send through p (nil for a direct connection).
// It returns the provider response on errcode 0, a *ProviderError for a
// non-zero errcode and a *TransportError for anything else.
func (c *Client) Send(ctx context.Context, p *model.Descriptor, token string, payload *Payload) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wecom: marshal payload: %w", err)
	}
	endpoint := c.baseURL + "/cgi-bin/message/send?access_token=" + url.QueryEscape(token)

	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	data, err := c.do(p, c.sendTimeout, req)
	if err != nil {
		return nil, err
	}
	if code := errCode(data); code != 0 {
		msg, _ := data["errmsg"].(string)
		return nil, &ProviderError{ErrCode: code, ErrMsg: msg, Payload: data}
	}
	return data, nil
}

// do executes req through p and decodes the JSON object in the response.
// Non-200 responses are transport failures.
func (c *Client) do(p *model.Descriptor, timeout time.Duration, req *http.Request) (map[string]any, error) {
	client, err := egress.NewClient(p, timeout)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		return nil, &TransportError{StatusCode: resp.StatusCode}
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, &TransportError{Err: fmt.Errorf("decode response: %w", err)}
	}
	return data, nil
}

// errCode reads errcode from a decoded response. A missing errcode counts as
// failure so that unrelated JSON (e.g. a proxy error page) is never success.
func errCode(data map[string]any) int64 {
	n, ok := data["errcode"].(json.Number)
	if !ok {
		return -1
	}
	code, err := n.Int64()
	if err != nil {
		return -1
	}
	return code
}
