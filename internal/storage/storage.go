package storage

import (
	"context"
	"io"
	"time"

	"clipportal/backend/internal/domain"
)

// Registry 定义邮箱注册表：ID 占用、存在性检查与凭证材料。
//
// Claim 必须是权威的占用操作（目录独占创建或数据库主键），
// 不能依赖缓存判断，否则并发创建可能拿到同一个 ID。
type Registry interface {
	Claim(ctx context.Context, mailbox *domain.Mailbox, capability *domain.Capability) error
	Exists(ctx context.Context, id string) (bool, error)
	Capability(ctx context.Context, id string) (*domain.Capability, error)
}

// MailboxRepository 定义邮箱内容的存取操作。
type MailboxRepository interface {
	CreateMailbox(ctx context.Context, capability *domain.Capability) (*domain.Mailbox, error)
	MailboxExists(ctx context.Context, id string) (bool, error)
	WriteEntry(ctx context.Context, id string, metadata *domain.Metadata, content io.Reader) (time.Time, error)
	ReadEntry(ctx context.Context, id string) (*domain.Entry, error)
	ReadMetadata(ctx context.Context, id string) (*domain.Metadata, time.Time, error)
	ReadMarker(ctx context.Context, id string) (time.Time, error)
	Capability(ctx context.Context, id string) (*domain.Capability, error)
}

// ContentLocator 定义静态内容的定位方式（内容下载不经过中继协调器）。
type ContentLocator interface {
	MailboxExists(ctx context.Context, id string) (bool, error)
	ContentPath(id string) string
	MailboxDir(id string) string
	MetaPath(id string) string
}

// RateLimitRepository 定义限流操作。
type RateLimitRepository interface {
	IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Store 定义完整的邮箱存储接口。
type Store interface {
	MailboxRepository
	ContentLocator

	// 工具方法
	Close() error
	Health() error
}
