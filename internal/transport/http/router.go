package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"clipportal/backend/internal/config"
	"clipportal/backend/internal/health"
	"clipportal/backend/internal/middleware"
	"clipportal/backend/internal/monitoring"
	"clipportal/backend/internal/service"
	"clipportal/backend/internal/storage"
	"clipportal/backend/internal/websocket"
)

// rootMessage GET / 的存活响应
const rootMessage = "clipboardportal"

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	relay  *service.RelayService
	logger *zap.Logger
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config        *config.Config
	RelayService  *service.RelayService
	WebSocketHub  *websocket.Hub              // 通知通道 Hub
	HealthChecker *health.HealthChecker       // 健康检查
	Metrics       *monitoring.Metrics         // Prometheus 指标
	RateLimit     storage.RateLimitRepository // 限流计数（Redis 或内存）
	Logger        *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()

	monitor := middleware.NewMonitoringMiddleware(deps.Metrics, logger)
	router.Use(monitor.PanicRecovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(monitor.HTTPMetrics())

	// 发送接口按内容上限放宽，其余请求使用小限制
	router.Use(middleware.DynamicBodySizeLimit(map[string]int64{
		"/send/:receiverId": deps.Config.Mailbox.MaxContentBytes + middleware.MultipartOverhead,
	}, middleware.SmallBodyLimit))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins: deps.Config.CORS.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", middleware.RequestIDHeader},
		ExposeHeaders: []string{
			"Content-Length",
			"X-RateLimit-Limit",
			"X-RateLimit-Remaining",
			middleware.RequestIDHeader,
		},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowOrigins = nil
			corsConfig.AllowAllOrigins = true
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	handler := &Handler{
		relay:  deps.RelayService,
		logger: logger,
	}

	// 限流中间件
	createLimit := func(c *gin.Context) { c.Next() }
	sendLimit := createLimit
	if deps.RateLimit != nil {
		createLimit = middleware.RateLimitByIP(deps.RateLimit, logger, deps.Metrics, "create", deps.Config.RateLimit.CreatePerHour, time.Hour)
		sendLimit = middleware.RateLimitByIP(deps.RateLimit, logger, deps.Metrics, "send", deps.Config.RateLimit.SendPerMinute, time.Minute)
	}
	jsonOnly := middleware.ValidateContentType("application/json")

	router.GET("/", handler.root)

	router.POST("/users", createLimit, jsonOnly, handler.createUser)
	router.POST("/send/:receiverId", sendLimit, handler.send)
	router.POST("/receive", jsonOnly, handler.receive)

	router.GET("/content/:id", handler.content)
	router.GET("/publickey/:id", handler.publicKey)

	// ========== 通知通道 ==========
	if deps.WebSocketHub != nil {
		router.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))
	}

	// ========== 健康检查与指标 ==========
	if deps.HealthChecker != nil {
		hc := deps.HealthChecker
		router.GET("/health", func(c *gin.Context) {
			results := hc.CheckHealth()
			status := http.StatusOK
			if results["storage"] != "OK" {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, results)
		})
		router.GET("/health/live", gin.WrapF(hc.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(hc.ReadyEndpoint))
	}

	if deps.Metrics != nil {
		router.GET("/metrics", monitor.SystemMetrics(), gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	return router
}
