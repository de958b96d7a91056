// Package signal 提供邮箱变更信号：监听方订阅某个邮箱，元数据记录被替换时收到唤醒。
//
// 唤醒是边沿触发并合并的：每个订阅持有容量为 1 的通道，发送不阻塞，
// 慢的监听方不会拖住其他订阅，也不会丢失尚未消费的唤醒。
package signal

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"clipportal/backend/internal/monitoring"
)

// ErrClosed 信号源已关闭
var ErrClosed = errors.New("signal source closed")

const (
	ModeNotify = "notify"
	ModePoll   = "poll"
)

// Source 变更信号源
type Source interface {
	// Subscribe 订阅邮箱变更，调用方负责 Close
	Subscribe(mailboxID string) (*Subscription, error)
	// ActiveWatches 当前持有底层监听句柄（目录监听或轮询协程）的邮箱数量
	ActiveWatches() int
	Close() error
}

// Locator 定位邮箱目录与元数据记录
type Locator interface {
	MailboxDir(id string) string
	MetaPath(id string) string
}

// Subscription 一个监听方对一个邮箱的订阅
type Subscription struct {
	MailboxID string
	C         <-chan struct{}

	ch      chan struct{}
	once    sync.Once
	release func(*Subscription)
}

// fire 非阻塞唤醒，已有未消费的唤醒时直接合并
func (s *Subscription) fire() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Close 取消订阅，最后一个订阅者离开时释放底层句柄。可重复调用。
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.release(s)
	})
}

// hub 按邮箱维护订阅者集合和底层句柄的引用计数
//
// watchMu 串行化句柄的获取与释放；mu 只保护订阅集合，广播时只持有 mu，
// 因此事件循环不会被阻塞在句柄操作上。
type hub struct {
	watchMu sync.Mutex
	mu      sync.Mutex
	subs    map[string]map[*Subscription]struct{}
	closed  bool

	acquire func(id string) error
	release func(id string)

	logger  *zap.Logger
	metrics *monitoring.Metrics
}

func newHub(acquire func(string) error, release func(string), o *options) *hub {
	return &hub{
		subs:    make(map[string]map[*Subscription]struct{}),
		acquire: acquire,
		release: release,
		logger:  o.logger,
		metrics: o.metrics,
	}
}

func (h *hub) subscribe(id string) (*Subscription, error) {
	h.watchMu.Lock()
	defer h.watchMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	first := len(h.subs[id]) == 0
	h.mu.Unlock()

	if first {
		if err := h.acquire(id); err != nil {
			return nil, fmt.Errorf("failed to watch mailbox %s: %w", id, err)
		}
	}

	ch := make(chan struct{}, 1)
	sub := &Subscription{MailboxID: id, C: ch, ch: ch, release: h.unsubscribe}

	h.mu.Lock()
	set, ok := h.subs[id]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[id] = set
	}
	set[sub] = struct{}{}
	count := len(h.subs)
	h.mu.Unlock()

	if first {
		h.metrics.UpdateSignalWatches(count)
		h.logger.Debug("Mailbox watch acquired", zap.String("mailboxId", id), zap.Int("watches", count))
	}

	return sub, nil
}

func (h *hub) unsubscribe(sub *Subscription) {
	h.watchMu.Lock()
	defer h.watchMu.Unlock()

	h.mu.Lock()
	set, ok := h.subs[sub.MailboxID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(set, sub)
	last := len(set) == 0
	if last {
		delete(h.subs, sub.MailboxID)
	}
	count := len(h.subs)
	h.mu.Unlock()

	if last {
		h.release(sub.MailboxID)
		h.metrics.UpdateSignalWatches(count)
		h.logger.Debug("Mailbox watch released", zap.String("mailboxId", sub.MailboxID), zap.Int("watches", count))
	}
}

// broadcast 唤醒邮箱的所有订阅者
func (h *hub) broadcast(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[id] {
		sub.fire()
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// closeAll 标记关闭并释放所有句柄
func (h *hub) closeAll() {
	h.watchMu.Lock()
	defer h.watchMu.Unlock()

	h.mu.Lock()
	h.closed = true
	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	h.subs = make(map[string]map[*Subscription]struct{})
	h.mu.Unlock()

	for _, id := range ids {
		h.release(id)
	}
	h.metrics.UpdateSignalWatches(0)
}

type options struct {
	logger       *zap.Logger
	metrics      *monitoring.Metrics
	pollInterval time.Duration
}

// Option 信号源配置项
type Option func(*options)

// WithLogger 设置日志记录器
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics 设置监控指标
func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

// WithPollInterval 设置轮询间隔（仅 poll 模式）
func WithPollInterval(interval time.Duration) Option {
	return func(o *options) {
		if interval > 0 {
			o.pollInterval = interval
		}
	}
}

func buildOptions(opts []Option) *options {
	o := &options{
		logger:       zap.NewNop(),
		pollInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// New 按模式创建信号源
func New(mode string, locator Locator, opts ...Option) (Source, error) {
	switch mode {
	case ModeNotify, "":
		return NewNotifySource(locator, opts...)
	case ModePoll:
		return NewPollSource(locator, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported signal mode: %s", mode)
	}
}
