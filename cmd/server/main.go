package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"clipportal/backend/internal/config"
	"clipportal/backend/internal/gate"
	"clipportal/backend/internal/health"
	"clipportal/backend/internal/logger"
	"clipportal/backend/internal/monitoring"
	"clipportal/backend/internal/service"
	"clipportal/backend/internal/signal"
	"clipportal/backend/internal/storage"
	"clipportal/backend/internal/storage/filesystem"
	"clipportal/backend/internal/storage/memory"
	"clipportal/backend/internal/storage/redis"
	sqlstore "clipportal/backend/internal/storage/sql"
	httptransport "clipportal/backend/internal/transport/http"
	"clipportal/backend/internal/websocket"
)

// main 启动剪贴板中继服务（HTTP 接口与通知通道）。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting clipboard portal",
		zap.String("log_level", cfg.Log.Level),
		zap.String("capability_mode", cfg.Mailbox.CapabilityMode),
		zap.String("signal_mode", cfg.Signal.Mode),
		zap.Bool("development", cfg.Log.Development),
	)

	metrics := monitoring.NewMetrics()

	// 初始化存储层
	store, err := initializeStorage(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	// 变更信号
	source, err := signal.New(cfg.Signal.Mode, store,
		signal.WithLogger(log),
		signal.WithMetrics(metrics),
		signal.WithPollInterval(cfg.Signal.PollInterval),
	)
	if err != nil {
		log.Fatal("failed to initialize change signal", zap.Error(err))
	}
	defer source.Close()

	// 初始化服务层
	authGate := gate.New(store, log)
	relayService := service.NewRelayService(store, authGate, cfg.Mailbox, log, metrics)

	wsHub := websocket.NewHub(cfg.WebSocket, authGate, source, relayService,
		websocket.WithLogger(log),
		websocket.WithMetrics(metrics),
		websocket.WithAllowedOrigins(cfg.CORS.AllowedOrigins),
	)

	healthChecker := health.NewHealthChecker(store, log)

	// 限流计数：配置了 Redis 时多实例共享，否则使用进程内计数
	var rateLimit storage.RateLimitRepository = memory.NewStore()
	if cfg.Redis.Address != "" {
		redisClient, err := redis.New(&cfg.Redis, log)
		if err != nil {
			log.Warn("failed to connect to Redis, falling back to in-memory rate limiting", zap.Error(err))
		} else {
			defer redisClient.Close()
			rateLimit = redisClient
			healthChecker.AddReadinessDependency("redis", redisClient)
		}
	}

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:        cfg,
		RelayService:  relayService,
		WebSocketHub:  wsHub,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		RateLimit:     rateLimit,
		Logger:        log,
	})

	httpAddr := cfg.Server.Addr()
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		// 不设置 ReadTimeout/WriteTimeout：通知通道是长连接，大文件上传也可能较慢
	}

	// 信号处理
	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting notification hub")
		wsHub.Run(groupCtx)
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Shutdown 不会等待已劫持的 WebSocket 连接，这些连接由 Hub 以 1001 关闭
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		log.Info("servers stopped")
		return nil
	})

	// 等待所有 goroutine 完成
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", zap.Error(err))
		return
	}

	log.Info("server exited cleanly")
}

// initializeStorage 初始化数据目录存储
//
// 配置了数据库时，邮箱注册表（ID 与凭证材料）保存在数据库中，内容仍写入数据目录。
func initializeStorage(cfg *config.Config, log *zap.Logger) (*filesystem.Store, error) {
	opts := []filesystem.Option{filesystem.WithLogger(log)}

	if cfg.Database.Type != "" {
		log.Info("initializing database registry", zap.String("database_type", cfg.Database.Type))

		registry, err := sqlstore.NewStore(
			cfg.Database.Type,
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
			cfg.Database.ConnMaxLifetime,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create database registry: %w", err)
		}
		opts = append(opts, filesystem.WithRegistry(registry))
	}

	store, err := filesystem.NewStore(cfg.Storage.Path, opts...)
	if err != nil {
		return nil, err
	}

	log.Info("storage initialized", zap.String("path", store.BasePath()))
	return store, nil
}
