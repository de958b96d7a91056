package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"clipportal/backend/internal/domain"
	"clipportal/backend/internal/signal"
)

// maxHandshakeBytes 握手消息的最大长度
const maxHandshakeBytes = 16 * 1024

// SessionState 会话状态
type SessionState int

const (
	StateConnecting SessionState = iota
	StateAuthenticating
	StateWatching
	StateClosing
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateWatching:
		return "watching"
	default:
		return "closing"
	}
}

// Session 一个监听方的通知会话
//
// 状态只向前推进：Connecting → Authenticating → Watching → Closing。
// 握手之后的所有写入都在 serve 所在的协程中完成，读取由 readLoop 独占。
type Session struct {
	ID string

	conn *websocket.Conn
	hub  *Hub
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state     SessionState
	mailboxID string
	watermark time.Time

	stopOnce  sync.Once
	closeCode int
	closeText string
}

func newSession(id string, conn *websocket.Conn, hub *Hub) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:     id,
		conn:   conn,
		hub:    hub,
		log:    hub.log.With(zap.String("sessionId", id)),
		ctx:    ctx,
		cancel: cancel,
		state:  StateConnecting,
	}
}

// stop 结束会话，code 为 0 表示不再发送关闭帧（对端已断开）
func (s *Session) stop(code int, text string) {
	s.stopOnce.Do(func() {
		s.closeCode = code
		s.closeText = text
		s.cancel()
	})
}

// serve 驱动会话直到结束，阻塞调用
func (s *Session) serve() {
	defer func() {
		s.state = StateClosing
		s.cancel()
		s.conn.Close()
	}()

	hs, ok := s.readHandshake()
	if !ok {
		return
	}

	s.state = StateAuthenticating
	grant, err := s.hub.gate.Authenticate(s.ctx, *hs)
	if err != nil {
		s.reject(err)
		return
	}
	s.hub.metrics.RecordHandshake("ok")

	s.mailboxID = grant.MailboxID
	s.watermark = grant.Watermark
	s.log = s.log.With(zap.String("mailboxId", s.mailboxID))

	s.watch()
}

// readHandshake 在超时内读取唯一一条握手消息
func (s *Session) readHandshake() (*domain.Handshake, bool) {
	s.conn.SetReadLimit(maxHandshakeBytes)
	if timeout := s.hub.cfg.HandshakeTimeout; timeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(timeout))
	}

	messageType, data, err := s.conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			s.hub.metrics.RecordHandshake("timeout")
			s.log.Info("handshake timed out")
			s.writeClose(websocket.ClosePolicyViolation, "handshake timeout")
			return nil, false
		}
		// 握手前断开不是错误
		s.log.Debug("client left before handshake", zap.Error(err))
		return nil, false
	}

	var hs domain.Handshake
	if messageType != websocket.TextMessage || json.Unmarshal(data, &hs) != nil {
		s.hub.metrics.RecordHandshake("invalid")
		s.hub.metrics.RecordProtocolViolation()
		s.log.Info("malformed handshake")
		s.writeClose(websocket.CloseProtocolError, "malformed handshake")
		return nil, false
	}

	// 握手完成后不再有读取超时
	s.conn.SetReadDeadline(time.Time{})
	return &hs, true
}

// reject 握手失败：发送 forbidden 事件后关闭
func (s *Session) reject(err error) {
	switch {
	case errors.Is(err, domain.ErrForbidden):
		s.hub.metrics.RecordHandshake("forbidden")
		s.log.Info("handshake rejected: capability mismatch")
		if s.writeMessage(forbiddenMessage()) == nil {
			s.writeClose(CloseForbidden, "forbidden")
		}
	case errors.Is(err, domain.ErrMailboxNotFound):
		s.hub.metrics.RecordHandshake("not_found")
		s.log.Info("handshake rejected: mailbox not found")
		if s.writeMessage(forbiddenMessage()) == nil {
			s.writeClose(CloseNotFound, "not found")
		}
	default:
		s.hub.metrics.RecordHandshake("rejected")
		s.hub.metrics.RecordError("handshake", "websocket")
		s.log.Error("handshake failed", zap.Error(err))
		s.writeClose(websocket.CloseInternalServerErr, "internal error")
	}
}

// watch 先订阅再做一次初始检查，然后等待唤醒
func (s *Session) watch() {
	sub, err := s.hub.source.Subscribe(s.mailboxID)
	if err != nil {
		if errors.Is(err, signal.ErrClosed) {
			s.writeClose(websocket.CloseGoingAway, "server shutting down")
			return
		}
		s.hub.metrics.RecordError("subscribe", "websocket")
		s.log.Error("failed to subscribe", zap.Error(err))
		s.writeClose(websocket.CloseInternalServerErr, "internal error")
		return
	}
	defer sub.Close()

	if !s.hub.addSession(s) {
		s.writeClose(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.hub.removeSession(s)

	s.state = StateWatching
	go s.readLoop()

	// 订阅之前落地的写入由初始检查补上
	if err := s.check(); err != nil {
		s.stop(0, "")
		return
	}

	var ping <-chan time.Time
	if interval := s.hub.cfg.PingInterval; interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-s.ctx.Done():
			if s.closeCode != 0 {
				s.writeClose(s.closeCode, s.closeText)
			}
			return

		case <-sub.C:
			if err := s.check(); err != nil {
				s.stop(0, "")
				return
			}

		case <-ping:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.log.Debug("ping failed", zap.Error(err))
				s.stop(0, "")
				return
			}
		}
	}
}

// check 读取当前状态，有晚于水位线的内容时下发 new 事件并推进水位线
//
// 只有写入失败才返回错误，读取失败留给下一次唤醒。
func (s *Session) check() error {
	event, err := s.hub.snapshots.Snapshot(s.ctx, s.mailboxID)
	if err != nil {
		if s.ctx.Err() == nil {
			s.hub.metrics.RecordError("snapshot", "websocket")
			s.log.Warn("failed to read mailbox snapshot", zap.Error(err))
		}
		return nil
	}

	if !event.NewerThan(s.watermark) {
		return nil
	}

	if err := s.writeMessage(newEventMessage(event)); err != nil {
		s.log.Debug("failed to deliver notification", zap.Error(err))
		return err
	}

	s.watermark = event.LastModified
	s.hub.metrics.RecordNotification()
	s.log.Debug("notification delivered", zap.Time("lastModified", event.LastModified))
	return nil
}

// readLoop 独占读取：握手之后客户端不应再发送任何消息
func (s *Session) readLoop() {
	// 控制帧（ping/pong/close）在 ReadMessage 内部处理，这里只会拿到数据消息
	if _, _, err := s.conn.ReadMessage(); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && s.ctx.Err() == nil {
			s.log.Debug("connection closed", zap.Error(err))
		}
		s.stop(0, "")
		return
	}

	s.hub.metrics.RecordProtocolViolation()
	s.log.Warn("unexpected client message after handshake", zap.Error(domain.ErrProtocolViolation))
	s.stop(websocket.CloseProtocolError, "unexpected message")
}

func (s *Session) writeMessage(msg *ServerMessage) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

func (s *Session) writeClose(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		s.log.Debug("failed to write close frame", zap.Error(err))
	}
}
