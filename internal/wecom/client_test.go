package wecom

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"wxpush_gateway/internal/shared/types"
)

func newTestClient(url string) *Client {
	return NewClient(types.WeComConf{
		CorpID:              "corp",
		CorpSecret:          "secret",
		AgentID:             1000002,
		BaseURL:             url,
		TokenTimeoutSeconds: 2,
		SendTimeoutSeconds:  2,
	})
}

func TestClient_FetchToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cgi-bin/gettoken" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("corpid") != "corp" || r.URL.Query().Get("corpsecret") != "secret" {
			t.Errorf("Unexpected credentials in query %s", r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, `{"errcode":0,"errmsg":"ok","access_token":"abc","expires_in":3600}`)
	}))
	defer server.Close()

	tok, expiresIn, err := newTestClient(server.URL).FetchToken(context.Background())
	if err != nil {
		t.Fatalf("FetchToken() returned an error: %v", err)
	}
	if tok != "abc" || expiresIn != time.Hour {
		t.Errorf("FetchToken() = %q, %v; want abc, 1h", tok, expiresIn)
	}
}

func TestClient_FetchToken_DefaultLifetime(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"errcode":0,"access_token":"abc"}`)
	}))
	defer server.Close()

	_, expiresIn, err := newTestClient(server.URL).FetchToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if expiresIn != 7200*time.Second {
		t.Errorf("Expected default lifetime of 7200s, got %v", expiresIn)
	}
}

func TestClient_FetchToken_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"errcode":40013,"errmsg":"invalid corpid"}`)
	}))
	defer server.Close()

	_, _, err := newTestClient(server.URL).FetchToken(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected AuthError, got %v", err)
	}
	if authErr.Payload["errmsg"] != "invalid corpid" {
		t.Errorf("Expected the provider payload to be kept, got %v", authErr.Payload)
	}
}

func TestClient_FetchToken_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, _, err := newTestClient(url).FetchToken(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Err == nil {
		t.Fatalf("Expected AuthError wrapping a network error, got %v", err)
	}
}

func TestClient_Send(t *testing.T) {
	var got Payload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/cgi-bin/message/send" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("access_token") != "tok" {
			t.Errorf("Expected access_token=tok, got %q", r.URL.Query().Get("access_token"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Bad request body: %v", err)
		}
		_, _ = io.WriteString(w, `{"errcode":0,"errmsg":"ok","msgid":"m1"}`)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	payload := BuildPayload(&Message{Target: "alice", Type: MessageText, Title: "t"}, c.AgentID())
	data, err := c.Send(context.Background(), nil, "tok", payload)
	if err != nil {
		t.Fatalf("Send() returned an error: %v", err)
	}
	if data["msgid"] != "m1" {
		t.Errorf("Expected provider response to be returned, got %v", data)
	}
	if got.ToUser != "alice" || got.AgentID != 1000002 || got.MsgType != "text" {
		t.Errorf("Unexpected payload received by provider: %+v", got)
	}
}

func TestClient_Send_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "provider error",
			status: http.StatusOK,
			body:   `{"errcode":60020,"errmsg":"not allow to access from your ip"}`,
			check: func(t *testing.T, err error) {
				var pe *ProviderError
				if !errors.As(err, &pe) || pe.ErrCode != 60020 {
					t.Errorf("Expected ProviderError 60020, got %v", err)
				}
			},
		},
		{
			name:   "missing errcode",
			status: http.StatusOK,
			body:   `{"origin":"1.2.3.4"}`,
			check: func(t *testing.T, err error) {
				var pe *ProviderError
				if !errors.As(err, &pe) || pe.ErrCode != -1 {
					t.Errorf("Expected ProviderError -1, got %v", err)
				}
			},
		},
		{
			name:   "non-200 status",
			status: http.StatusBadGateway,
			body:   `{"errcode":0}`,
			check: func(t *testing.T, err error) {
				var te *TransportError
				if !errors.As(err, &te) || te.StatusCode != http.StatusBadGateway {
					t.Errorf("Expected TransportError 502, got %v", err)
				}
			},
		},
		{
			name:   "not json",
			status: http.StatusOK,
			body:   `<html>proxy error</html>`,
			check: func(t *testing.T, err error) {
				var te *TransportError
				if !errors.As(err, &te) {
					t.Errorf("Expected TransportError, got %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer server.Close()

			c := newTestClient(server.URL)
			data, err := c.Send(context.Background(), nil, "tok", BuildPayload(&Message{Target: "a", Type: MessageText, Title: "t"}, 1))
			if data != nil {
				t.Errorf("Expected nil data on failure, got %v", data)
			}
			tt.check(t, err)
		})
	}
}
