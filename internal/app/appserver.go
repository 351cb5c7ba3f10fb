package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"wxpush_gateway/internal/core/dispatcher"
	"wxpush_gateway/internal/metrics"
	"wxpush_gateway/internal/service/web"
	"wxpush_gateway/internal/shared/config"
	"wxpush_gateway/internal/shared/globalstate"
	"wxpush_gateway/internal/shared/logger"
	"wxpush_gateway/internal/shared/types"
	"wxpush_gateway/internal/wecom"
	manager "wxpush_gateway/proxypool"
	"wxpush_gateway/proxypool/scraper"
	"wxpush_gateway/proxypool/storage"
	"wxpush_gateway/proxypool/validator"
)

const shutdownTimeout = 15 * time.Second

// AppServer is the application's main struct.
type AppServer struct {
	iniPath string

	// cfgLock 保护 cfg, 配置文件热加载时会替换它
	cfgLock sync.RWMutex
	cfg     *types.Config

	metrics          *metrics.Collector
	store            storage.Storage
	hub              *web.Hub
	proxyPoolManager *manager.Manager
	tokens           *wecom.TokenCache
	engine           *dispatcher.Engine
	web              *web.Server

	ctx    context.Context
	cancel context.CancelFunc

	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// New opens the proxy store and builds every component from cfg. iniPath is
// watched for changes once the server runs; it may be empty.
func New(ctx context.Context, cfg *types.Config, iniPath string) (*AppServer, error) {
	store, err := storage.Open(ctx, cfg.DatabaseConf)
	if err != nil {
		return nil, fmt.Errorf("app: open proxy storage: %w", err)
	}
	s, err := NewWithStorage(cfg, iniPath, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	return s, nil
}

// NewWithStorage builds the server on top of an already opened store.
func NewWithStorage(cfg *types.Config, iniPath string, store storage.Storage) (*AppServer, error) {
	scrapers, err := scraper.FromConfig(cfg.Sources)
	if err != nil {
		return nil, fmt.Errorf("app: proxy sources: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &AppServer{
		iniPath: iniPath,
		cfg:     cfg,
		store:   store,
		hub:     web.NewHub(),
		ctx:     ctx,
		cancel:  cancel,
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.NewCollector(registry)

	// Initialize Proxy Pool Manager
	proxyValidator := validator.NewValidator(
		cfg.ProxyConf.CheckURL,
		time.Duration(cfg.ProxyConf.CheckTimeoutSeconds)*time.Second,
	)
	s.proxyPoolManager = manager.NewManager(store, proxyValidator, manager.Options{
		CheckConcurrency:  cfg.ProxyConf.CheckConcurrency,
		ReconcileSchedule: cfg.ProxyConf.ReconcileSchedule,
		Scrapers:          scrapers,
		HarvestSchedule:   cfg.ProxyConf.HarvestSchedule,
		Metrics:           s.metrics,
		OnReconcile:       s.hub.BroadcastReconcile,
	})

	// WeCom client, token cache and the dispatch engine on top of them
	client := wecom.NewClient(cfg.WeComConf)
	s.tokens = wecom.NewTokenCache(client, s.metrics)
	s.engine = dispatcher.New(s.tokens, s.proxyPoolManager, client, dispatcher.Options{
		Metrics:    s.metrics,
		OnDispatch: s.hub.BroadcastDispatch,
	})

	handler := web.NewHandler(s.engine, s.proxyPoolManager)
	s.web = web.NewServer(cfg, handler, s.hub, s.metrics.Handler())
	return s, nil
}

// Start launches the background tasks and the HTTP server without blocking.
func (s *AppServer) Start() error {
	logger.Info().Msg("Starting push gateway...")
	globalstate.GlobalStatus.Set(globalstate.StateStarting)

	if err := s.proxyPoolManager.Start(); err != nil {
		return err
	}

	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		s.hub.Run(s.ctx) // 启动 Hub
	}()

	if s.iniPath != "" {
		if err := config.Watch(s.ctx, s.iniPath, s.applyConfig); err != nil {
			logger.Warn().Err(err).Str("path", s.iniPath).Msg("Config hot reload disabled.")
		}
	}

	if err := s.web.Start(&s.waitGroup); err != nil {
		s.proxyPoolManager.Stop()
		s.cancel()
		return err
	}
	globalstate.GlobalStatus.Set(globalstate.StateRunning)
	return nil
}

// Run starts the server and blocks until SIGINT or SIGTERM, then shuts down.
func (s *AppServer) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(s.ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	logger.Info().Msg("Shutdown signal received.")
	s.Stop()
	return nil
}

// Stop gracefully shuts down the server.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		globalstate.GlobalStatus.Set(globalstate.StateStopping)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.web.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("Web server did not shut down cleanly.")
		}
		s.proxyPoolManager.Stop()
		s.cancel()
		s.waitGroup.Wait()

		if err := s.store.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close proxy storage.")
		}
		globalstate.GlobalStatus.Set(globalstate.StateStopped)
		logger.Info().Msg("Push gateway stopped.")
	})
}

// Addr returns the address the HTTP server listens on.
func (s *AppServer) Addr() string {
	return s.web.Addr()
}

// Config returns the configuration currently in effect.
func (s *AppServer) Config() *types.Config {
	s.cfgLock.RLock()
	defer s.cfgLock.RUnlock()
	return s.cfg
}
