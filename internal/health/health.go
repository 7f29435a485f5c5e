package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"pickup/mediator/internal/storage"
)

const (
	pingTimeout       = 2 * time.Second
	maxGoroutineCount = 10000
)

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	store  storage.UndeliveredQueue
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(store storage.UndeliveredQueue, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		store:  store,
		logger: logger,
	}

	// 添加健康检查
	hc.addChecks()

	return hc
}

// addChecks 添加健康检查
func (hc *HealthChecker) addChecks() {
	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutineCount))

	// 持久化后端连通性（内存存储没有外部依赖）
	if pinger, ok := hc.store.(storage.Pinger); ok {
		hc.health.AddReadinessCheck("storage", StorageCheck(pinger))
	}
}

// Handler 返回健康检查处理器，提供 /live 与 /ready
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活探针
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪探针
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// CheckHealth 执行健康检查，返回各项结果
func (hc *HealthChecker) CheckHealth(ctx context.Context) map[string]string {
	results := make(map[string]string)

	if pinger, ok := hc.store.(storage.Pinger); ok {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := pinger.Ping(pingCtx); err != nil {
			hc.logger.Warn("storage health check failed", zap.Error(err))
			results["storage"] = fmt.Sprintf("ERROR: %v", err)
		} else {
			results["storage"] = "OK"
		}
	} else {
		results["storage"] = "IN_MEMORY"
	}

	results["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return results
}

// StorageCheck 存储连通性检查
func StorageCheck(pinger storage.Pinger) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()

		return pinger.Ping(ctx)
	}
}
