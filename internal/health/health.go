package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// maxGoroutines 超过该数量判定为不健康（每个监听会话占用约 3 个 goroutine）
const maxGoroutines = 100000

// Pinger 可探测连通性的外部依赖（Redis、数据库）
type Pinger interface {
	Ping(ctx context.Context) error
}

// StorageChecker 数据目录健康检查
type StorageChecker interface {
	Health() error
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	store  StorageChecker
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(store StorageChecker, logger *zap.Logger) *HealthChecker {
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

// addChecks 添加基础健康检查
func (hc *HealthChecker) addChecks() {
	// 数据目录检查
	hc.health.AddLivenessCheck("storage", healthcheck.Timeout(func() error {
		return hc.store.Health()
	}, 5*time.Second))

	// 系统资源检查
	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))
}

// AddReadinessDependency 添加外部依赖的就绪检查
func (hc *HealthChecker) AddReadinessDependency(name string, dep Pinger) {
	hc.health.AddReadinessCheck(name, PingCheck(dep, 3*time.Second))
	hc.logger.Debug("Readiness check registered", zap.String("name", name))
}

// Handler 返回健康检查处理器（/live 与 /ready）
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活检查
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪检查（包含存活检查）
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// CheckHealth 执行健康检查
func (hc *HealthChecker) CheckHealth() map[string]string {
	results := make(map[string]string)

	if err := hc.store.Health(); err != nil {
		results["storage"] = fmt.Sprintf("ERROR: %v", err)
		hc.logger.Warn("Storage health check failed", zap.Error(err))
	} else {
		results["storage"] = "OK"
	}

	results["timestamp"] = time.Now().Format(time.RFC3339)

	return results
}

// PingCheck 外部依赖的连通性检查
func PingCheck(dep Pinger, timeout time.Duration) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		return dep.Ping(ctx)
	}
}
