package domain

import (
	"time"
)

// Mailbox 表示一个接收方的剪贴板邮箱，ID 为 8 位数字。
type Mailbox struct {
	ID             string         `json:"id"`
	CapabilityMode CapabilityMode `json:"capabilityMode"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastModified   time.Time      `json:"lastModified"`
}

// Metadata 发送方随内容一起提交的元数据，对中继服务不透明。
type Metadata struct {
	SenderID                       string `json:"senderId" validate:"required,max=64"`
	EncryptedContentMetadataBase64 string `json:"encryptedContentMetadataBase64,omitempty" validate:"omitempty,base64"`
}

// Entry 邮箱当前保存的唯一一条剪贴板内容。
//
// Metadata 为 nil 表示邮箱创建后尚未收到任何内容。
type Entry struct {
	Content      []byte
	Metadata     *Metadata
	LastModified time.Time
}

// IsEmpty 判断邮箱是否还没有内容
func (e *Entry) IsEmpty() bool {
	return e == nil || e.Metadata == nil
}

// CapabilityMode 能力凭证的类型
type CapabilityMode string

const (
	// CapabilitySecret 创建时生成随机密钥，服务端只保存其哈希
	CapabilitySecret CapabilityMode = "secret"
	// CapabilityPublicKey 创建时由客户端提供公钥，原样保存并随事件下发
	CapabilityPublicKey CapabilityMode = "publickey"
)

// Capability 绑定在邮箱上的能力凭证材料
type Capability struct {
	Mode            CapabilityMode `json:"mode"`
	SecretHash      string         `json:"hash,omitempty"`
	PublicKeyBase64 string         `json:"publicKeyBase64,omitempty"`
}

// Material 返回可以随变更事件下发给监听方的凭证材料（仅公钥模式）。
func (c *Capability) Material() string {
	if c == nil || c.Mode != CapabilityPublicKey {
		return ""
	}
	return c.PublicKeyBase64
}

// ChangeEvent 邮箱内容变更时的快照，不持久化。
type ChangeEvent struct {
	MailboxID          string
	Metadata           *Metadata
	CapabilityMaterial string
	LastModified       time.Time
}

// NewerThan 判断快照是否包含水位线之后的新内容
func (e *ChangeEvent) NewerThan(watermark time.Time) bool {
	if e == nil || e.Metadata == nil {
		return false
	}
	return e.LastModified.After(watermark)
}

// Handshake 监听方建立通知通道后发送的第一条（也是唯一一条）消息。
//
// secret / publicKeyBase64 是 capability 的别名，date 是 since 的别名，
// 兼容旧版客户端。
type Handshake struct {
	ID              string     `json:"id"`
	Capability      string     `json:"capability,omitempty"`
	Secret          string     `json:"secret,omitempty"`
	PublicKeyBase64 string     `json:"publicKeyBase64,omitempty"`
	Since           *time.Time `json:"since,omitempty"`
	Date            *time.Time `json:"date,omitempty"`
}

// PresentedCapability 返回握手中携带的凭证
func (h Handshake) PresentedCapability() string {
	switch {
	case h.Capability != "":
		return h.Capability
	case h.Secret != "":
		return h.Secret
	default:
		return h.PublicKeyBase64
	}
}

// Watermark 返回握手中携带的水位线，未提供时返回 nil
func (h Handshake) Watermark() *time.Time {
	if h.Since != nil {
		return h.Since
	}
	return h.Date
}
