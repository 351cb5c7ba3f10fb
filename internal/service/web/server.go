package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"wxpush_gateway/internal/shared/logger"
	"wxpush_gateway/internal/shared/types"
)

// 这些路径调用频繁且没有排查价值, 不写访问日志
var quietPaths = map[string]bool{
	"/api/heartbeat": true,
	"/api/sysinfo":   true,
	"/health":        true,
	"/metrics":       true,
	"/ws":            true,
}

// loggingListener logs accepted connections at debug level.
type loggingListener struct {
	net.Listener
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		logger.Debug().Msgf(" [WebServer] Connection accepted from: %s ", conn.RemoteAddr())
	}
	return conn, err
}

// basicAuthMiddleware 检查 web.user 和 web.password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		// 认证成功，继续处理请求
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware rejects requests beyond the limiter with 429. A nil
// limiter disables limiting.
func rateLimitMiddleware(next http.Handler, limiter *rate.Limiter) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, PushResponse{Code: http.StatusTooManyRequests, Message: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func newPushLimiter(cfg types.WebConf) *rate.Limiter {
	if cfg.PushRate <= 0 {
		return nil
	}
	burst := cfg.PushBurst
	if burst <= 0 {
		burst = int(math.Max(1, math.Ceil(cfg.PushRate)))
	}
	return rate.NewLimiter(rate.Limit(cfg.PushRate), burst)
}

// responseRecorder 记录状态码和响应体的前 limit 个字节
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
	limit  int
}

func (rec *responseRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *responseRecorder) Write(b []byte) (int, error) {
	if room := rec.limit - rec.body.Len(); room > 0 {
		if len(b) < room {
			room = len(b)
		}
		rec.body.Write(b[:room])
	}
	return rec.ResponseWriter.Write(b)
}

// accessLogMiddleware 记录每个请求的路径、耗时、请求体和响应体, 换行会被去掉。
func accessLogMiddleware(next http.Handler, maxBody int) http.Handler {
	l := logger.WithComponent("Web/Access")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if quietPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		var reqBody []byte
		if r.Body != nil {
			reqBody, _ = io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(reqBody))
		}

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK, limit: maxBody}
		next.ServeHTTP(rec, r)

		l.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Str("request", flatten(reqBody, maxBody)).
			Str("response", flatten(rec.body.Bytes(), maxBody)).
			Msg("HTTP request.")
	})
}

func flatten(b []byte, limit int) string {
	if len(b) > limit {
		b = b[:limit]
	}
	s := strings.ReplaceAll(string(b), "\r", "")
	return strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
}

// Server 是网关的 HTTP 服务
type Server struct {
	addr    string
	handler http.Handler
	srv     *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer builds the route table. metrics may be nil, in which case
// /metrics is not served.
func NewServer(cfg *types.Config, handler *Handler, hub *Hub, metrics http.Handler) *Server {
	mux := http.NewServeMux()

	// --- 推送 API, 按配置限流 ---
	mux.Handle("/push", rateLimitMiddleware(http.HandlerFunc(handler.HandlePush), newPushLimiter(cfg.WebConf)))

	// --- 认证保护的代理池管理 API ---
	webUser := cfg.WebConf.User
	webPassword := cfg.WebConf.Password
	mux.Handle("/check_proxy", basicAuthMiddleware(http.HandlerFunc(handler.HandleCheckProxy), webUser, webPassword))
	mux.Handle("/add_proxy", basicAuthMiddleware(http.HandlerFunc(handler.HandleAddProxy), webUser, webPassword))
	mux.Handle("/api/proxies", basicAuthMiddleware(http.HandlerFunc(handler.HandleListProxies), webUser, webPassword))
	mux.Handle("/api/harvest", basicAuthMiddleware(http.HandlerFunc(handler.HandleHarvest), webUser, webPassword))

	// --- 存活探测 ---
	mux.HandleFunc("POST /api/heartbeat", handler.HandleOK)
	mux.HandleFunc("POST /api/sysinfo", handler.HandleOK)
	mux.HandleFunc("GET /health", handler.HandleHealth)

	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	// --- WebSocket Endpoint ---
	if hub != nil {
		mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			ServeWs(hub, w, r)
		})
	}

	root := accessLogMiddleware(mux, cfg.WebConf.AccessLogMax)
	addr := net.JoinHostPort(cfg.AppConf.Host, fmt.Sprint(cfg.AppConf.Port))
	return &Server{
		addr:    addr,
		handler: root,
		srv: &http.Server{
			Addr:              addr,
			Handler:           root,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start 监听端口并在后台提供服务, wg 在服务退出时结束。
func (s *Server) Start(wg *sync.WaitGroup) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("web: listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	logger.Info().Msgf("SUCCESS: Push gateway is listening on http://%s", listener.Addr())

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.srv.Serve(loggingListener{Listener: listener}); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Web server error")
		}
		logger.Info().Msg("Web server stopped.")
	}()
	return nil
}

// Addr returns the bound address once Start succeeded, otherwise the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
