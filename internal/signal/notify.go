package signal

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// NotifySource 基于 fsnotify 的信号源
//
// 所有邮箱共用一个 Watcher；有订阅者的邮箱目录才会被监听。
// 只有元数据记录被替换时才唤醒，内容文件和临时文件的事件都被忽略。
type NotifySource struct {
	watcher  *fsnotify.Watcher
	locator  Locator
	metaName string
	hub      *hub
	logger   *zap.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewNotifySource 创建 fsnotify 信号源
func NewNotifySource(locator Locator, opts ...Option) (*NotifySource, error) {
	o := buildOptions(opts)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	s := &NotifySource{
		watcher:  watcher,
		locator:  locator,
		metaName: filepath.Base(locator.MetaPath("00000000")),
		logger:   o.logger,
	}
	s.hub = newHub(s.addWatch, s.removeWatch, o)

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// Subscribe 订阅邮箱变更
func (s *NotifySource) Subscribe(mailboxID string) (*Subscription, error) {
	return s.hub.subscribe(mailboxID)
}

// ActiveWatches 当前被监听的邮箱目录数量
func (s *NotifySource) ActiveWatches() int {
	return s.hub.count()
}

// Close 关闭信号源
func (s *NotifySource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.hub.closeAll()
		err = s.watcher.Close()
		s.wg.Wait()
	})
	return err
}

func (s *NotifySource) addWatch(id string) error {
	return s.watcher.Add(s.locator.MailboxDir(id))
}

func (s *NotifySource) removeWatch(id string) {
	if err := s.watcher.Remove(s.locator.MailboxDir(id)); err != nil {
		// 目录已被删除时 inotify 会自动移除监听
		s.logger.Debug("Failed to remove watch", zap.String("mailboxId", id), zap.Error(err))
	}
}

// run 事件循环
func (s *NotifySource) run() {
	defer s.wg.Done()

	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != s.metaName {
				continue
			}
			// rename 覆盖表现为 Create，原地写入表现为 Write
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			id := filepath.Base(filepath.Dir(event.Name))
			s.hub.broadcast(id)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}
