package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"clipportal/backend/internal/config"
	"clipportal/backend/internal/domain"
	"clipportal/backend/internal/gate"
	"clipportal/backend/internal/monitoring"
	"clipportal/backend/internal/signal"
)

// Authenticator 握手校验
type Authenticator interface {
	Authenticate(ctx context.Context, hs domain.Handshake) (*gate.Grant, error)
}

// Snapshotter 读取邮箱当前状态
type Snapshotter interface {
	Snapshot(ctx context.Context, id string) (*domain.ChangeEvent, error)
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// 如果允许所有来源
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			// 获取请求的 Origin
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				// 非浏览器客户端不带 Origin
				return true
			}

			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}

			return false
		},
	}
}

// Hub 管理所有通知会话
type Hub struct {
	sessions   map[string]*Session // sessionID -> Session
	mailboxes  map[string]int      // mailboxID -> 监听方数量
	register   chan *Session
	unregister chan *Session
	done       chan struct{}
	mu         sync.RWMutex

	gate      Authenticator
	source    signal.Source
	snapshots Snapshotter
	cfg       config.WebSocketConfig
	limiter   *rate.Limiter

	allowedOrigins []string
	log            *zap.Logger
	metrics        *monitoring.Metrics
}

// HubOption Hub 的可选配置
type HubOption func(*Hub)

// WithLogger 设置日志
func WithLogger(log *zap.Logger) HubOption {
	return func(h *Hub) {
		if log != nil {
			h.log = log
		}
	}
}

// WithMetrics 设置监控指标
func WithMetrics(metrics *monitoring.Metrics) HubOption {
	return func(h *Hub) {
		h.metrics = metrics
	}
}

// WithAllowedOrigins 设置允许的 Origin 列表
func WithAllowedOrigins(origins []string) HubOption {
	return func(h *Hub) {
		if len(origins) > 0 {
			h.allowedOrigins = origins
		}
	}
}

// NewHub 创建通知 Hub
//
// 参数:
//   - cfg: 握手超时、心跳间隔、握手速率
//   - g: 握手校验
//   - source: 变更信号源
//   - snapshots: 读取邮箱当前元数据
func NewHub(cfg config.WebSocketConfig, g Authenticator, source signal.Source, snapshots Snapshotter, opts ...HubOption) *Hub {
	h := &Hub{
		sessions:       make(map[string]*Session),
		mailboxes:      make(map[string]int),
		register:       make(chan *Session),
		unregister:     make(chan *Session),
		done:           make(chan struct{}),
		gate:           g,
		source:         source,
		snapshots:      snapshots,
		cfg:            cfg,
		allowedOrigins: []string{"*"},
		log:            zap.NewNop(),
	}

	if cfg.MaxHandshakesPerSecond > 0 {
		burst := int(cfg.MaxHandshakesPerSecond)
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.MaxHandshakesPerSecond), burst)
	}

	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run 启动 Hub，ctx 取消时关闭所有会话
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllSessions()
			return

		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s.ID] = s
			h.mailboxes[s.mailboxID]++
			h.metrics.SessionOpened()
			h.mu.Unlock()
			h.log.Debug("session registered",
				zap.String("sessionId", s.ID),
				zap.String("mailboxId", s.mailboxID))

		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.sessions[s.ID]; ok {
				delete(h.sessions, s.ID)
				h.mailboxes[s.mailboxID]--
				if h.mailboxes[s.mailboxID] <= 0 {
					delete(h.mailboxes, s.mailboxID)
				}
				h.metrics.SessionClosed()
			}
			h.mu.Unlock()
			h.log.Debug("session unregistered", zap.String("sessionId", s.ID))
		}
	}
}

// addSession 登记会话，Hub 已停止时返回 false
func (h *Hub) addSession(s *Session) bool {
	select {
	case h.register <- s:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) removeSession(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// closeAllSessions 通知所有会话以 1001 关闭
func (h *Hub) closeAllSessions() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, s := range h.sessions {
		s.stop(websocket.CloseGoingAway, "server shutting down")
		h.metrics.SessionClosed()
	}
	h.sessions = make(map[string]*Session)
	h.mailboxes = make(map[string]int)
}

// SessionCount 当前处于监听状态的会话数量
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ListenerCount 某个邮箱当前的监听方数量
func (h *Hub) ListenerCount(mailboxID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mailboxes[mailboxID]
}

// HandleWebSocket 处理通知通道连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		if hub.limiter != nil && !hub.limiter.Allow() {
			hub.metrics.RecordRateLimitBlock("handshake")
			hub.log.Warn("websocket handshake rate limited", zap.String("remote_addr", c.ClientIP()))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		s := newSession(uuid.NewString(), conn, hub)
		s.log = s.log.With(zap.String("remote_addr", c.ClientIP()))
		s.serve()
	}
}

// writeWait 单次写入的超时时间
const writeWait = 10 * time.Second
