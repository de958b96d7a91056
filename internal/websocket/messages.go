package websocket

import (
	"time"

	"clipportal/backend/internal/domain"
)

// EventType 服务端下发的事件类型
type EventType string

const (
	EventNew       EventType = "new"
	EventForbidden EventType = "forbidden"
)

// 自定义关闭码（4000-4999 为应用保留区间）
const (
	CloseForbidden = 4403
	CloseNotFound  = 4404
)

// ServerMessage 服务端下发给监听方的记录
type ServerMessage struct {
	Event           EventType        `json:"event"`
	Meta            *domain.Metadata `json:"meta,omitempty"`
	PublicKeyBase64 string           `json:"publicKeyBase64,omitempty"`
	LastModified    *time.Time       `json:"lastModified,omitempty"`
}

// newEventMessage 根据变更快照构造 new 事件
func newEventMessage(event *domain.ChangeEvent) *ServerMessage {
	lastModified := event.LastModified
	return &ServerMessage{
		Event:           EventNew,
		Meta:            event.Metadata,
		PublicKeyBase64: event.CapabilityMaterial,
		LastModified:    &lastModified,
	}
}

func forbiddenMessage() *ServerMessage {
	return &ServerMessage{Event: EventForbidden}
}
