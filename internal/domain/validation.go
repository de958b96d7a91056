package domain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// 验证常量
const (
	// MailboxIDLength 邮箱 ID 固定为 8 位数字
	MailboxIDLength = 8
	// MailboxIDSpace 邮箱 ID 的取值空间 [0, 10^8)
	MailboxIDSpace = 100_000_000

	// MaxMetadataLength 元数据 JSON 的最大长度
	MaxMetadataLength = 64 * 1024
	// MaxPublicKeyLength 公钥 Base64 的最大长度
	MaxPublicKeyLength = 8 * 1024
)

var mailboxIDRegex = regexp.MustCompile(`^[0-9]{8}$`)

// IsValidMailboxID 检查邮箱 ID 是否恰好是 8 位 ASCII 数字
func IsValidMailboxID(id string) bool {
	return mailboxIDRegex.MatchString(id)
}

// FormatMailboxID 将数字补零为 8 位邮箱 ID
func FormatMailboxID(n int64) string {
	return fmt.Sprintf("%0*d", MailboxIDLength, n)
}

// MetadataValidator 元数据验证器
type MetadataValidator struct {
	validate *validator.Validate
}

// NewMetadataValidator 创建元数据验证器
func NewMetadataValidator() *MetadataValidator {
	return &MetadataValidator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Parse 解析并验证发送方提交的元数据 JSON
//
// 任何格式问题都返回包装后的 ErrValidation，调用方不会拿到半合法的元数据。
func (v *MetadataValidator) Parse(raw string) (*Metadata, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: metadata is required", ErrValidation)
	}
	if len(raw) > MaxMetadataLength {
		return nil, fmt.Errorf("%w: metadata exceeds %d bytes", ErrValidation, MaxMetadataLength)
	}

	var meta Metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("%w: invalid metadata json: %v", ErrValidation, err)
	}

	if err := v.Validate(&meta); err != nil {
		return nil, err
	}

	return &meta, nil
}

// Validate 验证元数据结构
func (v *MetadataValidator) Validate(meta *Metadata) error {
	if meta == nil {
		return fmt.Errorf("%w: metadata is required", ErrValidation)
	}
	if err := v.validate.Struct(meta); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// ValidatePublicKey 验证创建邮箱时提交的公钥
func ValidatePublicKey(publicKeyBase64 string) error {
	if publicKeyBase64 == "" {
		return fmt.Errorf("%w: publicKeyBase64 is required", ErrValidation)
	}
	if len(publicKeyBase64) > MaxPublicKeyLength {
		return fmt.Errorf("%w: publicKeyBase64 too long", ErrValidation)
	}
	if _, err := base64.StdEncoding.DecodeString(publicKeyBase64); err != nil {
		return fmt.Errorf("%w: publicKeyBase64 is not valid base64", ErrValidation)
	}
	return nil
}
