package validator

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"wxpush_gateway/proxypool/model"
)

// proxyDescriptor points an http proxy descriptor at a test server.
func proxyDescriptor(t *testing.T, serverURL string) model.Descriptor {
	t.Helper()
	u, err := url.Parse(serverURL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)
	return model.Descriptor{Protocol: model.ProtocolHTTP, Host: host, Port: port}
}

func TestValidator_Check_HealthyProxy(t *testing.T) {
	var seen atomic.Value
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A forward proxy receives the absolute target URL.
		seen.Store(r.URL.String())
		w.WriteHeader(http.StatusOK)
	}))
	defer proxy.Close()

	v := NewValidator("http://check.example/ip", time.Second)
	if !v.Check(context.Background(), proxyDescriptor(t, proxy.URL)) {
		t.Fatal("Expected proxy answering 200 to be healthy")
	}
	if got, _ := seen.Load().(string); got != "http://check.example/ip" {
		t.Errorf("Expected the check request to go through the proxy, proxy saw %q", got)
	}
}

func TestValidator_Check_Non200(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer proxy.Close()

	v := NewValidator("http://check.example/ip", time.Second)
	if v.Check(context.Background(), proxyDescriptor(t, proxy.URL)) {
		t.Error("Expected a non-200 answer to be unhealthy")
	}
}

func TestValidator_Check_DeadProxy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	v := NewValidator("http://check.example/ip", 500*time.Millisecond)
	for _, protocol := range []model.Protocol{model.ProtocolHTTP, model.ProtocolSOCKS5} {
		p := model.Descriptor{Protocol: protocol, Host: "127.0.0.1", Port: addr.Port}
		if v.Check(context.Background(), p) {
			t.Errorf("Expected closed %s port to be unhealthy", protocol)
		}
	}
}

type fakeChecker struct {
	healthy  map[string]bool
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeChecker) Check(ctx context.Context, p model.Descriptor) bool {
	n := f.inFlight.Add(1)
	for {
		old := f.peak.Load()
		if n <= old || f.peak.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	f.inFlight.Add(-1)
	return f.healthy[p.Host]
}

func TestCheckAll_ResultsByPosition(t *testing.T) {
	checker := &fakeChecker{healthy: map[string]bool{"10.0.0.2": true, "10.0.0.4": true}}
	var proxies []model.Descriptor
	for i := 1; i <= 5; i++ {
		proxies = append(proxies, model.Descriptor{Protocol: model.ProtocolHTTP, Host: "10.0.0." + strconv.Itoa(i), Port: 80})
	}

	got := CheckAll(context.Background(), checker, proxies, 2)
	want := []bool{false, true, false, true, false}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("results[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if peak := checker.peak.Load(); peak > 2 {
		t.Errorf("Expected at most 2 concurrent probes, saw %d", peak)
	}
}

func TestCheckAll_Empty(t *testing.T) {
	if got := CheckAll(context.Background(), &fakeChecker{}, nil, 0); len(got) != 0 {
		t.Errorf("Expected no results for no proxies, got %v", got)
	}
}
