package wecom

import (
	"encoding/json"
	"fmt"
)

// AuthError 表示无法获取 access_token: 接口不可达或凭据被拒绝。
// 对一次投递来说是致命错误, 不会再尝试任何发送。
type AuthError struct {
	// Payload is the provider response when it rejected the credentials.
	Payload map[string]any
	// Err is the network or decoding error when no valid response was received.
	Err error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wecom: get access token: %v", e.Err)
	}
	return fmt.Sprintf("wecom: get access token rejected: %s", compact(e.Payload))
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError 表示一次请求在网络层失败, 或返回了非 200 状态码。
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("wecom: unexpected http status %d", e.StatusCode)
	}
	return fmt.Sprintf("wecom: transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProviderError 表示企业微信接口返回了非零 errcode, Payload 原样保留用于排查。
type ProviderError struct {
	ErrCode int64
	ErrMsg  string
	Payload map[string]any
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("wecom: errcode %d: %s", e.ErrCode, e.ErrMsg)
}

func compact(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
