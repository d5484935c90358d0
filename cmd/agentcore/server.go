package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bleubryce/AgentX-AI-sub000/api/handlers"
	"github.com/bleubryce/AgentX-AI-sub000/cache"
	"github.com/bleubryce/AgentX-AI-sub000/config"
	"github.com/bleubryce/AgentX-AI-sub000/dispatch"
	"github.com/bleubryce/AgentX-AI-sub000/internal/metrics"
	"github.com/bleubryce/AgentX-AI-sub000/internal/server"
	"github.com/bleubryce/AgentX-AI-sub000/queue"
	"github.com/bleubryce/AgentX-AI-sub000/ratelimit"
	"github.com/bleubryce/AgentX-AI-sub000/store"
	"github.com/bleubryce/AgentX-AI-sub000/upstream"
	"github.com/bleubryce/AgentX-AI-sub000/usage"
)

// Server wires the execution core together and manages its lifecycle.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	db         *store.Store
	rdb        *redis.Client
	respCache  *cache.ResponseCache
	limiter    *ratelimit.Limiter
	requestQ   *queue.Queue
	meter      *usage.Meter
	dispatcher *dispatch.Dispatcher
	collector  *metrics.Collector

	httpManager    *server.Manager
	metricsManager *server.Manager

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// NewServer builds all components from config.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger}

	db, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.db = db

	if cfg.Cache.EnableRedis {
		s.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
	}

	s.respCache = cache.New(cache.Config{
		TTL:           cfg.Cache.TTL,
		MaxEntries:    cfg.Cache.MaxEntries,
		SweepInterval: cfg.Cache.SweepInterval,
	}, s.rdb, logger)

	s.limiter = ratelimit.New(ratelimit.Config{
		Window:      cfg.RateLimit.Window,
		MaxRequests: cfg.RateLimit.MaxRequests,
		MaxTokens:   cfg.RateLimit.MaxTokens,
		IdleTTL:     cfg.RateLimit.IdleTTL,
	}, logger)

	s.requestQ = queue.New(queue.Config{
		MaxSize:       cfg.Queue.MaxSize,
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		MaxRetries:    cfg.Queue.MaxRetries,
		RetryDelay:    cfg.Queue.RetryDelay,
		TickInterval:  cfg.Queue.TickInterval,
	}, logger)

	s.meter = usage.NewMeter(logger)
	s.collector = metrics.NewCollector("agentcore", nil, logger)

	client := upstream.NewClient(upstream.Config{
		BaseURL: cfg.Upstream.BaseURL,
		APIKey:  cfg.Upstream.APIKey,
		Timeout: cfg.Upstream.Timeout,
	}, nil, logger)

	s.dispatcher = dispatch.New(dispatch.Config{
		CacheTTL:        cfg.Cache.TTL,
		UpstreamTimeout: cfg.Upstream.Timeout,
		Recorder:        s.collector,
	}, s.db, client, s.db, s.requestQ, s.limiter, s.respCache, s.meter, logger)

	return s, nil
}

// Start launches the dispatcher, the metrics exporter, and both HTTP servers.
func (s *Server) Start() error {
	s.rootCtx, s.rootCancel = context.WithCancel(context.Background())

	if err := s.dispatcher.Start(s.rootCtx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	go s.exportLoop(s.rootCtx)

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

func (s *Server) startHTTPServer() error {
	healthHandler := handlers.NewHealthHandler(s.logger)
	healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.db.Ping))
	if s.rdb != nil {
		healthHandler.RegisterCheck(handlers.NewPingCheck("redis", func(ctx context.Context) error {
			return s.rdb.Ping(ctx).Err()
		}))
	}

	queryHandler := handlers.NewQueryHandler(s.dispatcher, s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", healthHandler.HandleReady)
	mux.HandleFunc("POST /api/v1/agents/query", queryHandler.HandleQuery)
	mux.HandleFunc("GET /api/v1/agents/{id}/usage", queryHandler.HandleUsage)
	mux.HandleFunc("GET /api/v1/queue/stats", queryHandler.HandleQueueStats)

	skipAuthPaths := []string{"/health", "/ready"}
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(s.rootCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths, s.logger),
	)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	return s.metricsManager.Start()
}

// exportLoop periodically projects queue and usage state onto the Prometheus
// gauges.
func (s *Server) exportLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collector.SyncQueue(s.requestQ.Stats())
			s.collector.SyncUsage(s.meter.Snapshots())
		}
	}
}

// WaitForShutdown blocks until a shutdown signal, then tears everything down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops all components in dependency order.
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")
	ctx := context.Background()

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	if s.rootCancel != nil {
		s.rootCancel()
	}
	s.dispatcher.Stop()
	s.respCache.Close()
	s.limiter.Close()

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Error("Redis close error", zap.Error(err))
		}
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("Store close error", zap.Error(err))
	}

	s.logger.Info("Graceful shutdown completed")
}
