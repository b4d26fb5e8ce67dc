package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jetvision/charterflow/agent"
	"github.com/jetvision/charterflow/agent/handoff"
	"github.com/jetvision/charterflow/api/handlers"
	"github.com/jetvision/charterflow/bus"
	"github.com/jetvision/charterflow/config"
	"github.com/jetvision/charterflow/internal/database"
	"github.com/jetvision/charterflow/internal/metrics"
	"github.com/jetvision/charterflow/internal/server"
	"github.com/jetvision/charterflow/internal/telemetry"
	"github.com/jetvision/charterflow/internal/tlsutil"
	"github.com/jetvision/charterflow/persistence"
	"github.com/jetvision/charterflow/queue"
	"github.com/jetvision/charterflow/types"
	"github.com/jetvision/charterflow/workflow"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 CharterFlow 的主服务器
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	otel       *telemetry.Providers

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 协调内核
	eventBus  *bus.InMemoryBus
	registry  *agent.Registry
	machine   *workflow.StateMachine
	taskQueue *queue.TaskQueue
	handoffs  *handoff.Manager

	// 存储。Redis 后端时三个 store 共享 redisClient。
	redisClient   *redis.Client
	workflowStore persistence.WorkflowStore
	taskStore     persistence.TaskStore
	handoffStore  persistence.HandoffStore

	// 终态归档与审计落地
	dbPool       *database.Pool
	archiveStore *persistence.ArchiveStore
	archiver     *persistence.Archiver
	audit        *persistence.MongoAuditStore

	// Handlers
	healthHandler   *handlers.HealthHandler
	workflowHandler *handlers.WorkflowHandler
	statsHandler    *handlers.StatsHandler
	eventsHandler   *handlers.EventsHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// 热更新管理器
	hotReloadManager *config.HotReloadManager
	configAPIHandler *config.ConfigAPIHandler

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc

	// 超时清扫循环
	sweepCancel context.CancelFunc
	sweepGroup  *errgroup.Group
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otel *telemetry.Providers) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		otel:       otel,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("charterflow", s.logger)

	// 2. 初始化协调状态存储
	if err := s.initStores(); err != nil {
		return fmt.Errorf("failed to init stores: %w", err)
	}

	// 3. 初始化协调内核（总线、状态机、队列、交接）
	if err := s.initCoordination(); err != nil {
		return fmt.Errorf("failed to init coordination: %w", err)
	}

	// 4. 初始化归档与审计落地
	if err := s.initSinks(); err != nil {
		return fmt.Errorf("failed to init sinks: %w", err)
	}

	// 5. 初始化 Handlers
	if err := s.initHandlers(); err != nil {
		return fmt.Errorf("failed to init handlers: %w", err)
	}

	// 6. 初始化热更新管理器
	if err := s.initHotReloadManager(); err != nil {
		return fmt.Errorf("failed to init hot reload manager: %w", err)
	}

	// 7. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 8. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 9. 启动超时清扫循环
	s.startSweeper()

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("store_backend", s.cfg.Store.Backend),
		zap.Bool("archive_enabled", s.cfg.Archive.Enabled),
		zap.Bool("audit_enabled", s.cfg.Audit.Enabled),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initStores 按配置选择协调状态存储后端
func (s *Server) initStores() error {
	switch s.cfg.Store.Backend {
	case "redis":
		opts := &redis.Options{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
		}
		if s.cfg.Redis.TLS {
			opts.TLSConfig = tlsutil.DefaultTLSConfig()
		}
		client := redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return fmt.Errorf("redis unreachable at %s: %w", s.cfg.Redis.Addr, err)
		}

		s.redisClient = client
		s.workflowStore = persistence.NewRedisWorkflowStoreWithClient(client, s.cfg.Store.KeyPrefix)
		s.taskStore = persistence.NewRedisTaskStoreWithClient(client, s.cfg.Store.KeyPrefix)
		s.handoffStore = persistence.NewRedisHandoffStoreWithClient(client, s.cfg.Store.KeyPrefix)
		s.logger.Info("Redis stores initialized",
			zap.String("addr", s.cfg.Redis.Addr),
			zap.String("key_prefix", s.cfg.Store.KeyPrefix))

	case "memory", "":
		s.workflowStore = persistence.NewMemoryWorkflowStore()
		s.taskStore = persistence.NewMemoryTaskStore()
		s.handoffStore = persistence.NewMemoryHandoffStore()
		s.logger.Info("In-memory stores initialized")

	default:
		return fmt.Errorf("unknown store backend: %s", s.cfg.Store.Backend)
	}

	return nil
}

// initCoordination 装配总线、状态机、任务队列和交接管理器
func (s *Server) initCoordination() error {
	coord := s.cfg.Coordination

	s.eventBus = bus.New(bus.Config{
		MailboxSize:  coord.MailboxSize,
		HistoryLimit: coord.HistoryLimit,
	}, s.logger)

	s.registry = agent.NewRegistry(s.logger)

	// 状态超时：默认值 + 配置覆盖
	timeouts := workflow.DefaultStateTimeouts()
	for name, d := range coord.StateTimeouts {
		state := types.WorkflowState(name)
		if !state.Valid() {
			s.logger.Warn("ignoring timeout override for unknown state", zap.String("state", name))
			continue
		}
		timeouts[state] = d
	}

	s.machine = workflow.NewStateMachine(s.workflowStore, s.eventBus, timeouts, s.logger)

	s.taskQueue = queue.NewTaskQueue(s.taskStore, s.eventBus, queue.Config{
		LeaseDuration: coord.LeaseDuration,
		MaxPending:    coord.MaxPending,
		Retry: queue.RetryPolicy{
			MaxRetries:        coord.Retry.MaxRetries,
			InitialBackoff:    coord.Retry.InitialBackoff,
			MaxBackoff:        coord.Retry.MaxBackoff,
			BackoffMultiplier: coord.Retry.BackoffMultiplier,
		},
	}, s.logger)

	s.handoffs = handoff.NewManager(s.registry, s.machine, s.taskQueue, s.handoffStore, s.eventBus,
		handoff.Config{Timeout: coord.HandoffTimeout}, s.logger)

	// 指标观察者全量订阅协调事件流
	observer := metrics.NewBusObserver(s.metricsCollector, s.logger)
	if _, err := s.eventBus.Subscribe(bus.Filter{}, observer.HandleMessage); err != nil {
		return fmt.Errorf("subscribe metrics observer: %w", err)
	}

	s.logger.Info("Coordination core initialized")
	return nil
}

// initSinks 初始化终态归档管道和 MongoDB 审计订阅
func (s *Server) initSinks() error {
	if s.cfg.Archive.Enabled {
		pool, err := database.Open(s.cfg.Archive.Database, s.logger)
		if err != nil {
			return fmt.Errorf("open archive database: %w", err)
		}
		s.dbPool = pool
		s.archiveStore = persistence.NewArchiveStore(pool.DB(), s.logger)

		// 本地开发直接建表；生产环境用 `charterflow migrate up` 维护版本化迁移
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.archiveStore.AutoMigrate(ctx); err != nil {
			s.logger.Error("archive auto-migrate failed", zap.Error(err))
		}

		s.archiver = persistence.NewArchiver(s.archiveStore, s.workflowStore, s.taskStore, s.handoffStore, s.logger)
		filter := bus.Filter{Kinds: []types.EventKind{
			types.EventWorkflowCompleted,
			types.EventWorkflowFailed,
		}}
		if _, err := s.eventBus.Subscribe(filter, s.archiver.HandleMessage); err != nil {
			return fmt.Errorf("subscribe archiver: %w", err)
		}
		s.logger.Info("Archive pipeline initialized",
			zap.String("driver", s.cfg.Archive.Database.Driver))
	}

	if s.cfg.Audit.Enabled {
		audit, err := persistence.NewMongoAuditStore(persistence.AuditStoreConfig{
			URI:        s.cfg.Audit.URI,
			Database:   s.cfg.Audit.Database,
			Collection: s.cfg.Audit.Collection,
			Timeout:    s.cfg.Audit.Timeout,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("connect audit store: %w", err)
		}
		s.audit = audit

		if _, err := s.eventBus.Subscribe(bus.Filter{}, s.audit.HandleMessage); err != nil {
			return fmt.Errorf("subscribe audit store: %w", err)
		}
		s.logger.Info("Audit sink initialized",
			zap.String("database", s.cfg.Audit.Database),
			zap.String("collection", s.cfg.Audit.Collection))
	}

	return nil
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() error {
	s.healthHandler = handlers.NewHealthHandler(Version, s.logger)
	s.healthHandler.RegisterCheck(handlers.NewStoreHealthCheck("workflow_store", s.workflowStore.Ping))
	s.healthHandler.RegisterCheck(handlers.NewStoreHealthCheck("task_store", s.taskStore.Ping))
	s.healthHandler.RegisterCheck(handlers.NewStoreHealthCheck("handoff_store", s.handoffStore.Ping))
	if s.dbPool != nil {
		s.healthHandler.RegisterCheck(handlers.NewStoreHealthCheck("archive_db", s.dbPool.Ping))
	}
	if s.audit != nil {
		s.healthHandler.RegisterCheck(handlers.NewStoreHealthCheck("audit_store", s.audit.Ping))
	}

	s.workflowHandler = handlers.NewWorkflowHandler(s.machine, s.taskQueue, s.eventBus, s.logger)
	s.statsHandler = handlers.NewStatsHandler(s.machine, s.taskQueue, s.handoffs, s.eventBus, s.logger)
	s.eventsHandler = handlers.NewEventsHandler(s.eventBus, s.logger)

	s.logger.Info("Handlers initialized")
	return nil
}

// initHotReloadManager 初始化热更新管理器
func (s *Server) initHotReloadManager() error {
	opts := []config.HotReloadOption{
		config.WithHotReloadLogger(s.logger),
	}

	if s.configPath != "" {
		opts = append(opts, config.WithConfigFile(s.configPath))
	}

	s.hotReloadManager = config.NewHotReloadManager(s.cfg, opts...)

	// 注册配置变更回调
	s.hotReloadManager.OnChange(func(change config.ConfigChange) {
		s.logger.Info("Configuration changed",
			zap.String("path", change.Path),
			zap.String("source", change.Source),
			zap.Bool("requires_restart", change.RequiresRestart),
		)
	})

	// 注册配置重载回调
	s.hotReloadManager.OnReload(func(oldConfig, newConfig *config.Config) {
		s.logger.Info("Configuration reloaded")
		s.cfg = newConfig
	})

	// 启动热更新管理器
	ctx := context.Background()
	if err := s.hotReloadManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hot reload manager: %w", err)
	}

	// 创建配置 API 处理器
	s.configAPIHandler = config.NewConfigAPIHandler(s.hotReloadManager)

	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)

	// 版本信息端点
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// 协调 API 路由
	// ========================================
	mux.HandleFunc("POST /api/v1/workflows", s.workflowHandler.HandleStart)
	mux.HandleFunc("GET /api/v1/workflows", s.workflowHandler.HandleList)
	mux.HandleFunc("GET /api/v1/workflows/{id}", s.workflowHandler.HandleGet)
	mux.HandleFunc("GET /api/v1/workflows/{id}/history", s.workflowHandler.HandleHistory)
	mux.HandleFunc("POST /api/v1/workflows/{id}/cancel", s.workflowHandler.HandleCancel)
	mux.HandleFunc("GET /api/v1/queue/stats", s.statsHandler.HandleQueueStats)
	mux.HandleFunc("GET /api/v1/handoffs/stats", s.statsHandler.HandleHandoffStats)
	mux.HandleFunc("GET /api/v1/summary", s.statsHandler.HandleSummary)
	mux.HandleFunc("GET /api/v1/events", s.eventsHandler.HandleEvents)

	// ========================================
	// 配置管理 API（需要独立认证保护）
	// 配置 API 是敏感的管理端点，必须经过认证中间件保护，
	// 不依赖全局中间件链的顺序，而是显式包装认证检查。
	// ========================================
	if s.configAPIHandler != nil {
		configAuth := config.NewConfigAPIMiddleware(s.configAPIHandler, s.cfg.Auth.APIKey)
		mux.HandleFunc("/api/v1/config", configAuth.RequireAuth(s.configAPIHandler.HandleConfig))
		mux.HandleFunc("/api/v1/config/reload", configAuth.RequireAuth(s.configAPIHandler.HandleReload))
		mux.HandleFunc("/api/v1/config/fields", configAuth.RequireAuth(s.configAPIHandler.HandleFields))
		mux.HandleFunc("/api/v1/config/changes", configAuth.RequireAuth(s.configAPIHandler.HandleChanges))
		s.logger.Info("Configuration API registered with authentication")
	}

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
	}
	if s.cfg.Telemetry.Enabled {
		middlewares = append(middlewares, OTelTracing())
	}
	middlewares = append(middlewares,
		CORS(s.cfg.Server.AllowedOrigin),
		RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
	)
	if s.cfg.Auth.Enabled {
		middlewares = append(middlewares, JWTAuth(s.cfg.Auth, skipAuthPaths, s.logger))
	}
	handler := Chain(mux, middlewares...)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout, // 2x ReadTimeout
		MaxHeaderBytes:  1 << 20,                      // 1 MB
		MaxConns:        s.cfg.Server.MaxConns,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	// 启动服务器（非阻塞）。证书和私钥齐备时以 HTTPS 启动。
	if s.cfg.Server.TLSCertFile != "" && s.cfg.Server.TLSKeyFile != "" {
		if err := s.httpManager.StartTLS(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile); err != nil {
			return err
		}
		s.logger.Info("HTTPS server started", zap.Int("port", s.cfg.Server.HTTPPort))
		return nil
	}
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🧹 超时清扫循环
// =============================================================================

// startSweeper 启动周期性超时清扫：工作流状态超时、过期任务租约、
// 未响应的交接。归档库连接数也在每个周期上报一次。
func (s *Server) startSweeper() {
	interval := s.cfg.Coordination.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel

	g, ctx := errgroup.WithContext(ctx)
	s.sweepGroup = g

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				s.sweepOnce(ctx, now)
			}
		}
	})

	s.logger.Info("Timeout sweeper started", zap.Duration("interval", interval))
}

// sweepOnce 执行一轮清扫。每类清扫独立失败，互不阻断。
func (s *Server) sweepOnce(ctx context.Context, now time.Time) {
	if timedOut, err := s.machine.CheckTimeouts(ctx, now); err != nil {
		s.logger.Error("workflow timeout sweep failed", zap.Error(err))
	} else if len(timedOut) > 0 {
		s.logger.Info("workflow timeouts handled", zap.Int("count", len(timedOut)))
	}

	if requeued, failed, err := s.taskQueue.SweepExpiredLeases(ctx, now); err != nil {
		s.logger.Error("lease sweep failed", zap.Error(err))
	} else {
		if len(requeued) > 0 {
			s.metricsCollector.RecordLeaseExpiries("requeued", len(requeued))
		}
		if len(failed) > 0 {
			s.metricsCollector.RecordLeaseExpiries("failed", len(failed))
		}
		if len(requeued) > 0 || len(failed) > 0 {
			s.logger.Info("expired leases swept",
				zap.Int("requeued", len(requeued)),
				zap.Int("failed", len(failed)))
		}
	}

	if timedOut, err := s.handoffs.CheckTimeouts(ctx, now); err != nil {
		s.logger.Error("handoff timeout sweep failed", zap.Error(err))
	} else if len(timedOut) > 0 {
		s.logger.Info("handoff timeouts handled", zap.Int("count", len(timedOut)))
	}

	if s.dbPool != nil {
		st := s.dbPool.Stats()
		s.metricsCollector.RecordDBConnections("archive", st.OpenConnections, st.Idle)
	}
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// 使用 httpManager 的 WaitForShutdown（它会监听信号）
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	// 执行清理
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 0. 停止清扫循环
	if s.sweepCancel != nil {
		s.sweepCancel()
	}
	if s.sweepGroup != nil {
		_ = s.sweepGroup.Wait()
	}

	// 1. 停止 rate limiter 清理 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 2. 停止热更新管理器
	if s.hotReloadManager != nil {
		if err := s.hotReloadManager.Stop(); err != nil {
			s.logger.Error("Hot reload manager shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 5. 关闭事件总线（HTTP 已停止，不再有新的发布）
	if s.eventBus != nil {
		if err := s.eventBus.Close(); err != nil {
			s.logger.Error("Event bus shutdown error", zap.Error(err))
		}
	}

	// 6. 关闭存储。Redis 后端三个 store 共享一个客户端，只关一次。
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Redis client shutdown error", zap.Error(err))
		}
	} else {
		for name, store := range map[string]persistence.Store{
			"workflow_store": s.workflowStore,
			"task_store":     s.taskStore,
			"handoff_store":  s.handoffStore,
		} {
			if store == nil {
				continue
			}
			if err := store.Close(); err != nil {
				s.logger.Error("Store shutdown error", zap.String("store", name), zap.Error(err))
			}
		}
	}

	// 7. 关闭归档库连接池
	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			s.logger.Error("Archive database shutdown error", zap.Error(err))
		}
	}

	// 8. 关闭审计存储
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			s.logger.Error("Audit store shutdown error", zap.Error(err))
		}
	}

	// 9. 关闭 OpenTelemetry
	if s.otel != nil {
		otelCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := s.otel.Shutdown(otelCtx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
