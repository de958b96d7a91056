package signal

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PollSource 轮询信号源，用于不支持文件系统通知的环境（网络文件系统等）
//
// 每个有订阅者的邮箱一个轮询协程，比较元数据记录的大小和 mtime。
type PollSource struct {
	locator  Locator
	interval time.Duration
	hub      *hub
	logger   *zap.Logger

	pollers map[string]context.CancelFunc // 由 hub.watchMu 保护
	wg      sync.WaitGroup
	once    sync.Once
}

// fingerprint 元数据记录的快照
type fingerprint struct {
	size    int64
	modTime int64
	exists  bool
}

// NewPollSource 创建轮询信号源
func NewPollSource(locator Locator, opts ...Option) *PollSource {
	o := buildOptions(opts)

	s := &PollSource{
		locator:  locator,
		interval: o.pollInterval,
		logger:   o.logger,
		pollers:  make(map[string]context.CancelFunc),
	}
	s.hub = newHub(s.startPoller, s.stopPoller, o)

	return s
}

// Subscribe 订阅邮箱变更
func (s *PollSource) Subscribe(mailboxID string) (*Subscription, error) {
	return s.hub.subscribe(mailboxID)
}

// ActiveWatches 当前运行的轮询协程数量
func (s *PollSource) ActiveWatches() int {
	return s.hub.count()
}

// Close 停止所有轮询协程
func (s *PollSource) Close() error {
	s.once.Do(func() {
		s.hub.closeAll()
		s.wg.Wait()
	})
	return nil
}

func (s *PollSource) startPoller(id string) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.pollers[id] = cancel

	initial := s.stat(id)
	s.wg.Add(1)
	go s.poll(ctx, id, initial)

	return nil
}

func (s *PollSource) stopPoller(id string) {
	if cancel, ok := s.pollers[id]; ok {
		cancel()
		delete(s.pollers, id)
	}
}

func (s *PollSource) poll(ctx context.Context, id string, last fingerprint) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := s.stat(id)
			if current != last {
				last = current
				s.hub.broadcast(id)
			}
		}
	}
}

func (s *PollSource) stat(id string) fingerprint {
	info, err := os.Stat(s.locator.MetaPath(id))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Debug("Failed to stat metadata", zap.String("mailboxId", id), zap.Error(err))
		}
		return fingerprint{}
	}
	return fingerprint{size: info.Size(), modTime: info.ModTime().UnixNano(), exists: true}
}
