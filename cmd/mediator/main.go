package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	jwtpkg "pickup/mediator/internal/auth/jwt"
	"pickup/mediator/internal/config"
	"pickup/mediator/internal/domain"
	"pickup/mediator/internal/envelope"
	"pickup/mediator/internal/health"
	"pickup/mediator/internal/logger"
	"pickup/mediator/internal/middleware"
	"pickup/mediator/internal/monitoring"
	"pickup/mediator/internal/pool"
	"pickup/mediator/internal/service"
	"pickup/mediator/internal/storage"
	"pickup/mediator/internal/storage/memory"
	redisstore "pickup/mediator/internal/storage/redis"
	httptransport "pickup/mediator/internal/transport/http"
	"pickup/mediator/internal/websocket"
)

// main 启动消息拾取中介服务：HTTP/WebSocket 入口、未投递事件适配器与后台清理任务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(logger.FromConfig(cfg.Log))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting pickup mediator",
		zap.String("persistence", string(cfg.Pickup.Persistence)),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	metrics := monitoring.NewMetrics(prometheus.NewRegistry())

	// 初始化存储层
	queue, memStore, closeStore, err := initializeStorage(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer closeStore()

	healthChecker := health.NewHealthChecker(queue, log)

	// 协议处理
	pickupService := service.NewPickupService(queue, log, metrics)
	dispatcher := service.NewDispatcher(service.Routes(pickupService), log, metrics)

	wsHub := websocket.NewHub(dispatcher, cfg.CORS.AllowedOrigins, log, metrics)
	adminService := service.NewAdminService(queue, wsHub, log, metrics)

	// 未投递事件适配器
	workers := pool.NewWorkerPool(cfg.Worker.Count, cfg.Worker.QueueSize, log)
	adapter := service.NewUndeliverableAdapter(queue, envelope.NewAnoncryptPacker(), workers, log, metrics)
	events := make(chan domain.UndeliverableEvent, cfg.Worker.QueueSize)

	limiter := middleware.NewVerkeyLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, metrics)

	ingressManager := jwtpkg.NewManager(cfg.Ingress.JWTSecret, cfg.Ingress.JWTIssuer, cfg.Ingress.JWTExpiry)

	var jwtManager *jwtpkg.Manager
	if cfg.Admin.JWTSecret != "" {
		jwtManager = jwtpkg.NewManager(cfg.Admin.JWTSecret, cfg.Admin.JWTIssuer, cfg.Admin.JWTExpiry)
		log.Info("admin API enabled",
			zap.String("issuer", cfg.Admin.JWTIssuer),
			zap.Duration("token_expiry", cfg.Admin.JWTExpiry),
		)
	} else {
		log.Info("admin API disabled, admin.jwt_secret not set")
	}

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:         cfg,
		Dispatcher:     dispatcher,
		AdminService:   adminService,
		Health:         healthChecker,
		Metrics:        metrics,
		WebSocketHub:   wsHub,
		IngressManager: ingressManager,
		JWTManager:     jwtManager,
		Limiter:        limiter,
		Events:         events,
		Logger:         log,
	})

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		log.Info("starting undeliverable adapter",
			zap.Int("workers", cfg.Worker.Count),
			zap.Int("queue_size", cfg.Worker.QueueSize),
		)
		return adapter.Run(groupCtx, events)
	})

	group.Go(func() error {
		limiter.StartCleanup(groupCtx, 5*time.Minute)
		return nil
	})

	// 内存存储需要主动回收过期邮箱，Redis 依赖键过期
	if memStore != nil {
		group.Go(func() error {
			ticker := time.NewTicker(cfg.Pickup.CleanupInterval)
			defer ticker.Stop()

			log.Info("starting expired message cleanup task", zap.Duration("interval", cfg.Pickup.CleanupInterval))

			for {
				select {
				case <-groupCtx.Done():
					log.Info("cleanup task stopped")
					return nil
				case <-ticker.C:
					count, err := memStore.DeleteExpired(groupCtx)
					if err != nil {
						log.Error("failed to cleanup expired messages", zap.Error(err))
					} else if count > 0 {
						metrics.RecordExpired(count)
						log.Info("expired messages cleaned up", zap.Int("count", count))
					}
				}
			}
		})
	}

	// 优雅关闭
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// initializeStorage 根据配置创建未投递消息队列。
// 使用内存存储时额外返回具体实现，用于定时清理。
func initializeStorage(cfg *config.Config, log *zap.Logger) (storage.UndeliveredQueue, *memory.Store, func(), error) {
	var opts []storage.Option
	if cfg.Redis.TTL > 0 {
		opts = append(opts, storage.WithTTL(cfg.Redis.TTL))
	}

	switch cfg.Pickup.Persistence {
	case config.PersistenceRedis:
		log.Info("initializing redis storage", zap.Duration("ttl", cfg.Redis.TTL))
		client, err := redisstore.New(&cfg.Redis, log)
		if err != nil {
			return nil, nil, nil, err
		}
		queue, err := redisstore.NewQueue(client.Client(), log, opts...)
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				log.Warn("redis close warning", zap.Error(err))
			}
		}
		return queue, nil, closeFn, nil
	default:
		store, err := memory.NewStore(opts...)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Info("using memory storage, queued messages are lost on restart")
		return store, store, func() {}, nil
	}
}
