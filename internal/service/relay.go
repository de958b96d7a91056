package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"clipportal/backend/internal/config"
	"clipportal/backend/internal/domain"
	"clipportal/backend/internal/gate"
	"clipportal/backend/internal/monitoring"
	"clipportal/backend/internal/storage"
)

// RelayService 剪贴板中继的业务操作：创建邮箱、发送、一次性轮询、快照。
//
// 发送只负责写入存储，监听方的唤醒完全来自变更信号。
type RelayService struct {
	store     storage.Store
	gate      *gate.Gate
	validator *domain.MetadataValidator
	cfg       config.MailboxConfig
	logger    *zap.Logger
	metrics   *monitoring.Metrics

	issueSecret func() (string, *domain.Capability, error)
}

// NewRelayService 创建中继业务服务。
func NewRelayService(store storage.Store, g *gate.Gate, cfg config.MailboxConfig, logger *zap.Logger, metrics *monitoring.Metrics) *RelayService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = 30 << 20
	}

	return &RelayService{
		store:       store,
		gate:        g,
		validator:   domain.NewMetadataValidator(),
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		issueSecret: gate.IssueSecret,
	}
}

// CreateMailboxInput 定义创建邮箱所需的输入。
type CreateMailboxInput struct {
	PublicKeyBase64 string // 公钥模式下必填
	IPSource        string
}

// CreateMailboxResult 创建结果，Secret 只在创建时返回一次。
type CreateMailboxResult struct {
	Mailbox         *domain.Mailbox
	Secret          string
	PublicKeyBase64 string
}

// CreateMailbox 创建新的剪贴板邮箱。
func (s *RelayService) CreateMailbox(ctx context.Context, input CreateMailboxInput) (*CreateMailboxResult, error) {
	result := &CreateMailboxResult{}

	var capability *domain.Capability
	var err error

	switch domain.CapabilityMode(s.cfg.CapabilityMode) {
	case domain.CapabilityPublicKey:
		capability, err = gate.PublicKeyCapability(strings.TrimSpace(input.PublicKeyBase64))
		if err != nil {
			return nil, err
		}
		result.PublicKeyBase64 = capability.PublicKeyBase64
	default:
		result.Secret, capability, err = s.issueSecret()
		if err != nil {
			return nil, err
		}
	}

	mailbox, err := s.store.CreateMailbox(ctx, capability)
	if err != nil {
		s.metrics.RecordError("create_mailbox", "service")
		return nil, err
	}
	result.Mailbox = mailbox

	s.metrics.RecordMailboxCreated()
	s.logger.Info("Mailbox created",
		zap.String("mailboxId", mailbox.ID),
		zap.String("capabilityMode", string(mailbox.CapabilityMode)),
		zap.String("ip", input.IPSource))

	return result, nil
}

// SendInput 定义发送所需的输入。
type SendInput struct {
	ReceiverID   string
	MetadataJSON string
	Content      io.Reader
	IPSource     string
}

// SendResult 发送结果。
type SendResult struct {
	LastModified time.Time
	Size         int64
}

// Send 覆盖接收方邮箱中的内容（后写覆盖先写）。
//
// 检查顺序：ID 格式、元数据、邮箱存在性、内容大小。任何一步失败邮箱状态都不变。
func (s *RelayService) Send(ctx context.Context, input SendInput) (*SendResult, error) {
	if !domain.IsValidMailboxID(input.ReceiverID) {
		return nil, domain.ErrMailboxNotFound
	}

	meta, err := s.validator.Parse(input.MetadataJSON)
	if err != nil {
		return nil, err
	}

	exists, err := s.store.MailboxExists(ctx, input.ReceiverID)
	if err != nil {
		return nil, fmt.Errorf("failed to check mailbox: %w", err)
	}
	if !exists {
		return nil, domain.ErrMailboxNotFound
	}

	content := input.Content
	if content == nil {
		content = strings.NewReader("")
	}
	limited := &sizeLimitedReader{r: content, limit: s.cfg.MaxContentBytes}

	marker, err := s.store.WriteEntry(ctx, input.ReceiverID, meta, limited)
	if err != nil {
		if errors.Is(err, domain.ErrContentTooLarge) {
			return nil, fmt.Errorf("%w: %w", domain.ErrValidation, domain.ErrContentTooLarge)
		}
		s.metrics.RecordError("write_entry", "service")
		return nil, err
	}

	s.metrics.RecordEntryWritten(limited.n)
	s.logger.Info("Clipboard entry sent",
		zap.String("receiverId", input.ReceiverID),
		zap.String("senderId", meta.SenderID),
		zap.Int64("size", limited.n),
		zap.Time("lastModified", marker),
		zap.String("ip", input.IPSource))

	return &SendResult{LastModified: marker, Size: limited.n}, nil
}

// ReceiveInput 定义一次性轮询的输入。
type ReceiveInput struct {
	ID         string
	Capability string
	Since      *time.Time // 为空时返回当前内容（如果有）
}

// Receive 一次性轮询：有晚于 since 的内容时返回快照，否则返回 nil。
func (s *RelayService) Receive(ctx context.Context, input ReceiveInput) (*domain.ChangeEvent, error) {
	since := input.Since
	if since == nil {
		since = &time.Time{}
	}

	grant, err := s.gate.Authenticate(ctx, domain.Handshake{
		ID:         input.ID,
		Capability: input.Capability,
		Since:      since,
	})
	if err != nil {
		s.metrics.RecordReceivePoll(pollResult(err))
		return nil, err
	}

	event, err := s.Snapshot(ctx, grant.MailboxID)
	if err != nil {
		return nil, err
	}

	if !event.NewerThan(grant.Watermark) {
		s.metrics.RecordReceivePoll("empty")
		return nil, nil
	}

	s.metrics.RecordReceivePoll("new")
	return event, nil
}

// Snapshot 读取邮箱当前的元数据、lastModified 和凭证材料，不读取内容。
func (s *RelayService) Snapshot(ctx context.Context, id string) (*domain.ChangeEvent, error) {
	meta, marker, err := s.store.ReadMetadata(ctx, id)
	if err != nil {
		return nil, err
	}

	capability, err := s.store.Capability(ctx, id)
	if err != nil {
		return nil, err
	}

	return &domain.ChangeEvent{
		MailboxID:          id,
		Metadata:           meta,
		CapabilityMaterial: capability.Material(),
		LastModified:       marker,
	}, nil
}

// GetMailbox 获取邮箱的公开信息。
func (s *RelayService) GetMailbox(ctx context.Context, id string) (*domain.Mailbox, error) {
	if !domain.IsValidMailboxID(id) {
		return nil, domain.ErrMailboxNotFound
	}

	capability, err := s.store.Capability(ctx, id)
	if err != nil {
		return nil, err
	}

	marker, err := s.store.ReadMarker(ctx, id)
	if err != nil {
		return nil, err
	}

	return &domain.Mailbox{
		ID:             id,
		CapabilityMode: capability.Mode,
		LastModified:   marker,
	}, nil
}

// PublicKey 返回公钥模式邮箱保存的公钥。
func (s *RelayService) PublicKey(ctx context.Context, id string) (string, error) {
	if !domain.IsValidMailboxID(id) {
		return "", domain.ErrMailboxNotFound
	}

	capability, err := s.store.Capability(ctx, id)
	if err != nil {
		return "", err
	}

	key := capability.Material()
	if key == "" {
		return "", domain.ErrMailboxNotFound
	}
	return key, nil
}

// ContentPath 返回邮箱内容文件路径（静态下载）。
func (s *RelayService) ContentPath(ctx context.Context, id string) (string, error) {
	exists, err := s.store.MailboxExists(ctx, id)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", domain.ErrMailboxNotFound
	}
	return s.store.ContentPath(id), nil
}

func pollResult(err error) string {
	switch {
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrMailboxNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// sizeLimitedReader 读取超过 limit 字节时返回 ErrContentTooLarge
type sizeLimitedReader struct {
	r     io.Reader
	limit int64
	n     int64
}

func (l *sizeLimitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.n += int64(n)
	if l.n > l.limit {
		return n, domain.ErrContentTooLarge
	}
	return n, err
}
