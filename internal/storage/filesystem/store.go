package filesystem

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"clipportal/backend/internal/domain"
	"clipportal/backend/internal/storage"

	"go.uber.org/zap"
)

const (
	mailboxesDir   = "mailboxes"
	contentFile    = "content"
	metaFile       = "meta.json"
	capabilityFile = "capability.json"

	// maxClaimAttempts ID 冲突时的最大重试次数
	maxClaimAttempts = 128
)

// metaRecord meta.json 的内容
//
// LastModified 是逻辑时钟，每次写入严格递增；文件 mtime 只作为兼容旧数据的兜底。
type metaRecord struct {
	Meta         *domain.Metadata `json:"meta"`
	LastModified time.Time        `json:"lastModified"`
	CreatedAt    time.Time        `json:"createdAt,omitempty"`
}

// Store 文件系统存储实现
type Store struct {
	basePath      string           // 数据根目录
	root          string           // 邮箱目录: {basePath}/mailboxes
	platformUtils *PlatformUtils   // 平台兼容性工具
	registry      storage.Registry // ID 占用与凭证材料
	logger        *zap.Logger

	clock       func() time.Time
	generateID  func() (string, error)
	locksMu     sync.Mutex
	mailboxLock map[string]*sync.Mutex
}

// Option 存储配置项
type Option func(*Store)

// WithRegistry 使用外部注册表（如 SQL）替代默认的目录注册表
func WithRegistry(registry storage.Registry) Option {
	return func(s *Store) {
		if registry != nil {
			s.registry = registry
		}
	}
}

// WithLogger 设置日志记录器
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock 设置时钟（测试使用）
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithIDGenerator 设置邮箱 ID 生成器（测试使用）
func WithIDGenerator(generate func() (string, error)) Option {
	return func(s *Store) {
		if generate != nil {
			s.generateID = generate
		}
	}
}

// NewStore 创建文件系统存储实例
func NewStore(basePath string, opts ...Option) (*Store, error) {
	// 创建平台工具
	platformUtils := NewPlatformUtils()

	// 验证基础路径
	if err := platformUtils.ValidatePath(basePath); err != nil {
		return nil, fmt.Errorf("invalid base path: %w", err)
	}

	// 标准化路径
	normalizedPath := platformUtils.NormalizePath(basePath)
	root := filepath.Join(normalizedPath, mailboxesDir)

	// 确保邮箱目录存在
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	dirs := newDirRegistry(root, platformUtils)
	s := &Store{
		basePath:      normalizedPath,
		root:          root,
		platformUtils: platformUtils,
		registry:      dirs,
		logger:        zap.NewNop(),
		clock:         time.Now,
		generateID:    randomMailboxID,
		mailboxLock:   make(map[string]*sync.Mutex),
	}

	for _, opt := range opts {
		opt(s)
	}

	// 启动时加载已有邮箱到存在性索引
	if s.registry == storage.Registry(dirs) {
		count, err := dirs.load()
		if err != nil {
			return nil, fmt.Errorf("failed to load mailbox index: %w", err)
		}
		s.logger.Info("Mailbox index loaded", zap.Int("mailboxes", count), zap.String("path", root))
	}

	return s, nil
}

// randomMailboxID 在 [0, 10^8) 中均匀抽取 ID 并补零到 8 位
func randomMailboxID() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(domain.MailboxIDSpace))
	if err != nil {
		return "", fmt.Errorf("failed to generate mailbox id: %w", err)
	}
	return domain.FormatMailboxID(n.Int64()), nil
}

// ========== 邮箱管理 ==========

// CreateMailbox 创建邮箱，ID 冲突时重新抽取
func (s *Store) CreateMailbox(ctx context.Context, capability *domain.Capability) (*domain.Mailbox, error) {
	if capability == nil {
		return nil, fmt.Errorf("%w: capability is required", domain.ErrValidation)
	}

	for attempt := 1; attempt <= maxClaimAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		id, err := s.generateID()
		if err != nil {
			return nil, err
		}

		now := s.clock().UTC()
		mailbox := &domain.Mailbox{
			ID:             id,
			CapabilityMode: capability.Mode,
			CreatedAt:      now,
			LastModified:   now,
		}

		err = s.registry.Claim(ctx, mailbox, capability)
		if errors.Is(err, domain.ErrMailboxExists) {
			s.logger.Debug("Mailbox id collision, retrying",
				zap.String("mailboxId", id),
				zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to claim mailbox: %w", err)
		}

		if err := s.initMailbox(mailbox); err != nil {
			return nil, err
		}

		s.logger.Info("Mailbox created",
			zap.String("mailboxId", id),
			zap.String("capabilityMode", string(capability.Mode)))
		return mailbox, nil
	}

	return nil, fmt.Errorf("failed to allocate mailbox id after %d attempts", maxClaimAttempts)
}

// initMailbox 初始化空内容和空元数据记录
func (s *Store) initMailbox(mailbox *domain.Mailbox) error {
	dir := s.MailboxDir(mailbox.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create mailbox directory: %w", err)
	}

	if _, err := s.platformUtils.WriteFileAtomic(dir, contentFile, bytes.NewReader(nil)); err != nil {
		return fmt.Errorf("failed to initialize content: %w", err)
	}

	record := metaRecord{LastModified: mailbox.LastModified, CreatedAt: mailbox.CreatedAt}
	if err := s.writeRecord(dir, record); err != nil {
		return fmt.Errorf("failed to initialize metadata: %w", err)
	}

	return nil
}

// MailboxExists 检查邮箱是否存在
func (s *Store) MailboxExists(ctx context.Context, id string) (bool, error) {
	if !domain.IsValidMailboxID(id) {
		return false, nil
	}
	return s.registry.Exists(ctx, id)
}

// Capability 读取邮箱的凭证材料
func (s *Store) Capability(ctx context.Context, id string) (*domain.Capability, error) {
	if !domain.IsValidMailboxID(id) {
		return nil, domain.ErrMailboxNotFound
	}
	return s.registry.Capability(ctx, id)
}

// ========== 内容读写 ==========

// WriteEntry 写入一条新内容，返回新的 lastModified
//
// 写入分两个阶段，顺序不能调换：
//  1. 内容写入临时文件、fsync，再 rename 覆盖 content；
//  2. 元数据记录写入临时文件、fsync，再 rename 覆盖 meta.json，并把 mtime 设为 lastModified。
//
// 监听方只关注 meta.json，因此看到变更时内容一定已经就位。
func (s *Store) WriteEntry(ctx context.Context, id string, metadata *domain.Metadata, content io.Reader) (time.Time, error) {
	if metadata == nil {
		return time.Time{}, fmt.Errorf("%w: metadata is required", domain.ErrValidation)
	}
	if err := s.requireMailbox(ctx, id); err != nil {
		return time.Time{}, err
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	dir := s.MailboxDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return time.Time{}, fmt.Errorf("failed to create mailbox directory: %w", err)
	}

	// 第一阶段：内容
	size, err := s.platformUtils.WriteFileAtomic(dir, contentFile, content)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to write content: %w", err)
	}

	// 第二阶段：元数据记录（必须最后落盘）
	previous, err := s.readRecord(id)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, err
	}

	record := metaRecord{
		Meta:         metadata,
		LastModified: s.nextMarker(previous.LastModified),
		CreatedAt:    previous.CreatedAt,
	}
	if err := s.writeRecord(dir, record); err != nil {
		return time.Time{}, fmt.Errorf("failed to write metadata: %w", err)
	}

	s.logger.Debug("Mailbox entry written",
		zap.String("mailboxId", id),
		zap.Int64("size", size),
		zap.Time("lastModified", record.LastModified))

	return record.LastModified, nil
}

// ReadEntry 读取邮箱当前的内容和元数据
func (s *Store) ReadEntry(ctx context.Context, id string) (*domain.Entry, error) {
	if err := s.requireMailbox(ctx, id); err != nil {
		return nil, err
	}

	// 先读元数据再读内容：元数据可能比内容旧，但不会比内容新
	record, err := s.readRecord(id)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	content, err := os.ReadFile(s.ContentPath(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}

	return &domain.Entry{
		Content:      content,
		Metadata:     record.Meta,
		LastModified: record.LastModified,
	}, nil
}

// ReadMetadata 读取元数据和 lastModified，不读取内容
func (s *Store) ReadMetadata(ctx context.Context, id string) (*domain.Metadata, time.Time, error) {
	if err := s.requireMailbox(ctx, id); err != nil {
		return nil, time.Time{}, err
	}

	record, err := s.readRecord(id)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, time.Time{}, err
	}

	return record.Meta, record.LastModified, nil
}

// ReadMarker 只读取 lastModified
func (s *Store) ReadMarker(ctx context.Context, id string) (time.Time, error) {
	_, marker, err := s.ReadMetadata(ctx, id)
	return marker, err
}

// ========== 路径 ==========

// MailboxDir 邮箱目录: {basePath}/mailboxes/{id}
func (s *Store) MailboxDir(id string) string {
	return filepath.Join(s.root, id)
}

// ContentPath 内容文件路径
func (s *Store) ContentPath(id string) string {
	return filepath.Join(s.root, id, contentFile)
}

// MetaPath 元数据记录路径
func (s *Store) MetaPath(id string) string {
	return filepath.Join(s.root, id, metaFile)
}

// ========== 工具方法 ==========

// Health 检查数据目录是否可写
func (s *Store) Health() error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("storage path unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage path is not a directory: %s", s.root)
	}

	probe, err := os.CreateTemp(s.basePath, ".health-*")
	if err != nil {
		return fmt.Errorf("storage path not writable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

// Close 关闭存储（外部注册表持有连接时一并关闭）
func (s *Store) Close() error {
	if closer, ok := s.registry.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// BasePath 返回数据根目录
func (s *Store) BasePath() string {
	return s.basePath
}

// ========== 辅助方法 ==========

func (s *Store) requireMailbox(ctx context.Context, id string) error {
	if !domain.IsValidMailboxID(id) {
		return domain.ErrMailboxNotFound
	}

	exists, err := s.registry.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to check mailbox: %w", err)
	}
	if !exists {
		return domain.ErrMailboxNotFound
	}
	return nil
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.mailboxLock[id]
	if !ok {
		lock = &sync.Mutex{}
		s.mailboxLock[id] = lock
	}
	return lock
}

// nextMarker 返回严格大于上一次的 lastModified
func (s *Store) nextMarker(previous time.Time) time.Time {
	now := s.clock().UTC()
	if !now.After(previous) {
		now = previous.Add(time.Microsecond)
	}
	return now
}

// readRecord 读取 meta.json；文件为空或缺少 lastModified 时用 mtime 兜底
func (s *Store) readRecord(id string) (metaRecord, error) {
	var record metaRecord

	path := s.MetaPath(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return record, err
		}
		return record, fmt.Errorf("failed to read metadata: %w", err)
	}

	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &record); err != nil {
			return record, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	if record.LastModified.IsZero() {
		if info, err := os.Stat(path); err == nil {
			record.LastModified = info.ModTime().UTC()
		}
	}

	return record, nil
}

// writeRecord 原子写入 meta.json 并把 mtime 设为 lastModified
func (s *Store) writeRecord(dir string, record metaRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if _, err := s.platformUtils.WriteFileAtomic(dir, metaFile, bytes.NewReader(data)); err != nil {
		return err
	}

	path := filepath.Join(dir, metaFile)
	if err := os.Chtimes(path, record.LastModified, record.LastModified); err != nil {
		s.logger.Warn("Failed to set metadata mtime", zap.String("path", path), zap.Error(err))
	}

	return nil
}
