// Package gate 校验监听方的握手：邮箱是否存在、凭证是否匹配，并确定初始水位线。
package gate

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"clipportal/backend/internal/domain"
)

// secretBytes 随机密钥的字节数
const secretBytes = 32

// CapabilityStore 握手校验所需的存储操作
type CapabilityStore interface {
	Capability(ctx context.Context, id string) (*domain.Capability, error)
	ReadMarker(ctx context.Context, id string) (time.Time, error)
}

// Grant 握手通过后授予的监听许可
type Grant struct {
	MailboxID          string
	Watermark          time.Time // 只通知 lastModified 晚于该时间的内容
	CapabilityMaterial string    // 公钥模式下随事件下发的公钥
}

// Gate 握手校验器
type Gate struct {
	store  CapabilityStore
	logger *zap.Logger
}

// New 创建握手校验器
func New(store CapabilityStore, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{store: store, logger: logger}
}

// Authenticate 校验握手
//
// ID 格式错误或邮箱不存在返回 ErrMailboxNotFound，凭证不匹配返回 ErrForbidden。
// 握手未携带 since 时，水位线取邮箱当前的 lastModified，只通知之后的变更。
func (g *Gate) Authenticate(ctx context.Context, hs domain.Handshake) (*Grant, error) {
	if !domain.IsValidMailboxID(hs.ID) {
		return nil, domain.ErrMailboxNotFound
	}

	capability, err := g.store.Capability(ctx, hs.ID)
	if err != nil {
		if errors.Is(err, domain.ErrMailboxNotFound) {
			return nil, domain.ErrMailboxNotFound
		}
		return nil, fmt.Errorf("failed to load capability: %w", err)
	}

	if !Verify(capability, hs.PresentedCapability()) {
		g.logger.Info("Capability mismatch", zap.String("mailboxId", hs.ID))
		return nil, domain.ErrForbidden
	}

	var watermark time.Time
	if since := hs.Watermark(); since != nil {
		watermark = since.UTC()
	} else {
		watermark, err = g.store.ReadMarker(ctx, hs.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to read marker: %w", err)
		}
	}

	return &Grant{
		MailboxID:          hs.ID,
		Watermark:          watermark,
		CapabilityMaterial: capability.Material(),
	}, nil
}

// Verify 校验出示的凭证
func Verify(capability *domain.Capability, presented string) bool {
	if capability == nil || presented == "" {
		return false
	}

	switch capability.Mode {
	case domain.CapabilitySecret:
		if capability.SecretHash == "" {
			return false
		}
		return bcrypt.CompareHashAndPassword([]byte(capability.SecretHash), []byte(presented)) == nil
	case domain.CapabilityPublicKey:
		if capability.PublicKeyBase64 == "" {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(capability.PublicKeyBase64), []byte(presented)) == 1
	default:
		return false
	}
}

// IssueSecret 生成随机密钥，返回明文（只返回给创建方一次）和保存用的凭证材料
func IssueSecret() (string, *domain.Capability, error) {
	return issueSecret(bcrypt.DefaultCost)
}

func issueSecret(cost int) (string, *domain.Capability, error) {
	// 生成32字节的随机数据
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", nil, fmt.Errorf("failed to hash secret: %w", err)
	}

	return secret, &domain.Capability{
		Mode:       domain.CapabilitySecret,
		SecretHash: string(hash),
	}, nil
}

// PublicKeyCapability 根据客户端提供的公钥生成凭证材料
func PublicKeyCapability(publicKeyBase64 string) (*domain.Capability, error) {
	if err := domain.ValidatePublicKey(publicKeyBase64); err != nil {
		return nil, err
	}
	return &domain.Capability{
		Mode:            domain.CapabilityPublicKey,
		PublicKeyBase64: publicKeyBase64,
	}, nil
}
