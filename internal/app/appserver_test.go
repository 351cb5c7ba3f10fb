package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"wxpush_gateway/internal/shared/types"
	"wxpush_gateway/proxypool/storage"
)

// fakeWeCom answers gettoken and message/send like the real API.
func fakeWeCom(t *testing.T, sends *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/gettoken", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"errcode":0,"errmsg":"ok","access_token":"tok","expires_in":7200}`)
	})
	mux.HandleFunc("/cgi-bin/message/send", func(w http.ResponseWriter, r *http.Request) {
		sends.Add(1)
		if r.URL.Query().Get("access_token") != "tok" {
			_, _ = io.WriteString(w, `{"errcode":40014,"errmsg":"invalid access_token"}`)
			return
		}
		_, _ = io.WriteString(w, `{"errcode":0,"errmsg":"ok","msgid":"m1"}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func testConfig(t *testing.T, wecomURL string) *types.Config {
	cfg := types.Default()
	cfg.AppConf.Host = "127.0.0.1"
	cfg.AppConf.Port = 0
	cfg.WeComConf.CorpID = "corp"
	cfg.WeComConf.CorpSecret = "secret"
	cfg.WeComConf.AgentID = 1000002
	cfg.WeComConf.BaseURL = wecomURL
	cfg.DatabaseConf.Driver = "sqlite"
	cfg.DatabaseConf.DSN = filepath.Join(t.TempDir(), "proxies.db")
	return cfg
}

func TestAppServer_PushEndToEnd(t *testing.T) {
	var sends atomic.Int32
	cfg := testConfig(t, fakeWeCom(t, &sends).URL)

	s, err := New(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("New() returned an error: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() returned an error: %v", err)
	}
	defer s.Stop()

	base := "http://" + s.Addr()
	resp, err := http.Post(base+"/push", "application/json",
		strings.NewReader(`{"target":"alice","type":"TEXT","title":"hello","content":"world"}`))
	if err != nil {
		t.Fatalf("POST /push failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Code    int            `json:"code"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Code != 0 || body.Data["msgid"] != "m1" {
		t.Fatalf("Unexpected push response: %+v", body)
	}
	healthResp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatal(err)
	}
	healthRaw, _ := io.ReadAll(healthResp.Body)
	healthResp.Body.Close()
	if !strings.Contains(string(healthRaw), `"state":"running"`) {
		t.Errorf("Expected running state from /health, got %s", healthRaw)
	}

	if sends.Load() != 1 {
		t.Errorf("Expected exactly one send with an empty proxy pool, got %d", sends.Load())
	}
	if c, ok := s.engine.CachedCandidate(); !ok || !c.IsDirect() {
		t.Errorf("Expected direct to be cached after a direct success")
	}

	metricsResp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer metricsResp.Body.Close()
	raw, _ := io.ReadAll(metricsResp.Body)
	if !strings.Contains(string(raw), `wxpush_dispatch_total{result="success"} 1`) {
		t.Errorf("Expected dispatch metric after push, got:\n%s", raw)
	}
}

func TestAppServer_CheckProxyOnEmptyPool(t *testing.T) {
	var sends atomic.Int32
	cfg := testConfig(t, fakeWeCom(t, &sends).URL)
	store, err := storage.NewSQLite(context.Background(), cfg.DatabaseConf.DSN)
	if err != nil {
		t.Fatal(err)
	}

	s, err := NewWithStorage(cfg, "", store)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	resp, err := http.Get("http://" + s.Addr() + "/check_proxy")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), `"total":0`) || !strings.Contains(string(raw), `"updated":0`) {
		t.Errorf("Unexpected /check_proxy response: %s", raw)
	}
}

func TestNewWithStorage_InvalidSource(t *testing.T) {
	var sends atomic.Int32
	cfg := testConfig(t, fakeWeCom(t, &sends).URL)
	src := types.DefaultSource("broken")
	src.Kind = "ftp"
	src.URLs = []string{"http://127.0.0.1/"}
	cfg.Sources = []types.SourceConf{src}

	store, err := storage.NewSQLite(context.Background(), cfg.DatabaseConf.DSN)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if _, err := NewWithStorage(cfg, "", store); err == nil {
		t.Error("Expected an unknown source kind to be rejected")
	}
}

func TestApplyConfig(t *testing.T) {
	prev := types.Default()
	next := types.Default()
	next.LogConf.Level = "debug"
	next.WebConf.PushRate = 5
	next.WeComConf.CorpSecret = "rotated"
	next.Sources = []types.SourceConf{types.DefaultSource("ip3366")}

	got := restartRequired(prev, next)
	if len(got) != 3 || got[0] != "wecom" || got[1] != "web" || got[2] != "source" {
		t.Errorf("restartRequired() = %v, want [wecom web source]", got)
	}

	s := &AppServer{cfg: prev}
	s.applyConfig(next)
	if s.Config() != next {
		t.Error("Expected the reloaded config to replace the current one")
	}
}
