package model

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDescriptor_URL(t *testing.T) {
	tests := []struct {
		name string
		d    Descriptor
		want string
	}{
		{"http", Descriptor{Protocol: ProtocolHTTP, Host: "1.2.3.4", Port: 8080}, "http://1.2.3.4:8080"},
		{"socks5 resolves remotely", Descriptor{Protocol: ProtocolSOCKS5, Host: "1.2.3.4", Port: 1080}, "socks5h://1.2.3.4:1080"},
		{"credentials", Descriptor{Protocol: ProtocolHTTP, Host: "1.2.3.4", Port: 80, Username: "u", Password: "p"}, "http://u:p@1.2.3.4:80"},
		{"user without password", Descriptor{Protocol: ProtocolHTTP, Host: "1.2.3.4", Port: 80, Username: "u"}, "http://1.2.3.4:80"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.d.Key(); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDescriptor_Redacted(t *testing.T) {
	d := Descriptor{Protocol: ProtocolSOCKS5, Host: "1.2.3.4", Port: 1080, Username: "u", Password: "secret"}
	if strings.Contains(d.Redacted(), "secret") || strings.Contains(d.String(), "secret") {
		t.Errorf("Password leaked: %s", d.Redacted())
	}
	if !strings.Contains(d.Redacted(), "u:") {
		t.Errorf("Expected username to be kept, got %s", d.Redacted())
	}
}

func TestParseProtocol(t *testing.T) {
	for _, s := range []string{"http", "socks5"} {
		if _, ok := ParseProtocol(s); !ok {
			t.Errorf("ParseProtocol(%q) rejected", s)
		}
	}
	for _, s := range []string{"https", "socks4", "ftp", ""} {
		if _, ok := ParseProtocol(s); ok {
			t.Errorf("ParseProtocol(%q) accepted", s)
		}
	}
}

func TestRecord_JSONHidesPassword(t *testing.T) {
	r := &Record{ID: 1, Protocol: ProtocolHTTP, Host: "1.2.3.4", Port: 80, Username: "u", Password: "secret", Status: StatusAvailable}
	raw, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "secret") {
		t.Errorf("Password leaked in JSON: %s", raw)
	}
	if !strings.Contains(string(raw), `"ip":"1.2.3.4"`) {
		t.Errorf("Expected ip field, got %s", raw)
	}
}
