package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"wxpush_gateway/internal/core/dispatcher"
	"wxpush_gateway/internal/shared/globalstate"
	"wxpush_gateway/internal/shared/logger"
	"wxpush_gateway/internal/wecom"
	manager "wxpush_gateway/proxypool"
	"wxpush_gateway/proxypool/model"
)

const maxRequestBody = 1 << 20

// Dispatcher defines what the web handler needs from the dispatch engine.
type Dispatcher interface {
	Send(ctx context.Context, msg *wecom.Message) (*dispatcher.Result, error)
}

// ProxyPool defines what the web handler needs from the proxy pool manager.
type ProxyPool interface {
	Reconcile(ctx context.Context) manager.ReconcileReport
	Ingest(ctx context.Context, content string) (int, error)
	Harvest(ctx context.Context) manager.HarvestReport
	ListAvailable(ctx context.Context) []model.Descriptor
}

// PushResponse 是 /push 的响应体
type PushResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// StatusResponse 是管理接口的响应体
type StatusResponse struct {
	Status  string      `json:"status"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ProxyView 是对外展示的代理, 不含密码
type ProxyView struct {
	URL      string         `json:"url"`
	Protocol model.Protocol `json:"protocol"`
	Host     string         `json:"host"`
	Port     int            `json:"port"`
}

type Handler struct {
	dispatcher Dispatcher
	pool       ProxyPool
	status     *globalstate.StatusManager
}

func NewHandler(d Dispatcher, pool ProxyPool) *Handler {
	return &Handler{
		dispatcher: d,
		pool:       pool,
		status:     globalstate.GlobalStatus,
	}
}

// HandlePush 处理 POST /push 请求。投递失败时 HTTP 状态仍为 200, 由 code 表示结果。
func (h *Handler) HandlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var msg wecom.Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, PushResponse{Code: http.StatusBadRequest, Message: "invalid JSON: " + err.Error()})
		return
	}
	if err := msg.Normalize(); err != nil {
		writeJSON(w, http.StatusBadRequest, PushResponse{Code: http.StatusBadRequest, Message: strings.ReplaceAll(err.Error(), "\n", "; ")})
		return
	}

	l := logger.WithComponent("Web/Push")
	l.Info().Str("title", msg.Title).Str("type", string(msg.Type)).Msg("Received push request.")

	res, err := h.dispatcher.Send(r.Context(), &msg)
	if err != nil {
		writeJSON(w, http.StatusOK, PushResponse{Code: http.StatusInternalServerError, Message: failureMessage(err)})
		return
	}
	w.Header().Set("X-Dispatch-Id", res.ID)
	writeJSON(w, http.StatusOK, PushResponse{Code: 0, Message: "success", Data: res.Data})
}

func failureMessage(err error) string {
	var authErr *wecom.AuthError
	var exhausted *dispatcher.ExhaustedError
	switch {
	case errors.As(err, &authErr):
		return "获取token失败: " + err.Error()
	case errors.As(err, &exhausted):
		return "本地IP及代理均失效, 请检查可信IP和代理, " + err.Error()
	default:
		return err.Error()
	}
}

// HandleCheckProxy 处理 GET /check_proxy 请求, 同步执行一次全量检测
func (h *Handler) HandleCheckProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	report := h.pool.Reconcile(r.Context())
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok", Data: report})
}

// HandleAddProxy 处理 POST /add_proxy 请求, 请求体为纯文本, 一行一个代理
func (h *Handler) HandleAddProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, StatusResponse{Status: "error", Message: err.Error()})
		return
	}

	count, err := h.pool.Ingest(r.Context(), string(body))
	if err != nil {
		l := logger.WithComponent("Web/Proxy")
		l.Error().Err(err).Msg("Failed to handle add_proxy request.")
		writeJSON(w, http.StatusOK, StatusResponse{Status: "error", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok", Data: fmt.Sprintf("成功入库代理数量: %d", count)})
}

// HandleHarvest 处理 POST /api/harvest 请求, 同步从公开代理源抓取一次
func (h *Handler) HandleHarvest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	report := h.pool.Harvest(r.Context())
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok", Data: report})
}

// HandleListProxies 处理 GET /api/proxies 请求, 返回当前可用的代理
func (h *Handler) HandleListProxies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	proxies := h.pool.ListAvailable(r.Context())
	views := make([]ProxyView, len(proxies))
	for i, p := range proxies {
		views[i] = ProxyView{URL: p.Redacted(), Protocol: p.Protocol, Host: p.Host, Port: p.Port}
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok", Data: views})
}

// HandleOK answers liveness probes such as /api/heartbeat.
func (h *Handler) HandleOK(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// HandleHealth 返回进程当前的生命周期阶段。停止过程中返回 503, 便于负载均衡摘除。
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.status.Get()
	code := http.StatusOK
	if st.State == globalstate.StateStopping || st.State == globalstate.StateStopped {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, StatusResponse{Status: "ok", Data: st})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		l := logger.WithComponent("Web")
		l.Warn().Err(err).Msg("Failed to write response.")
	}
}
