package domain

import "errors"

var (
	// ErrMailboxNotFound 邮箱不存在或 ID 格式非法
	ErrMailboxNotFound = errors.New("mailbox not found")
	// ErrMailboxExists 生成的邮箱 ID 已被占用
	ErrMailboxExists = errors.New("mailbox already exists")
	// ErrForbidden 凭证与邮箱不匹配
	ErrForbidden = errors.New("forbidden")
	// ErrValidation 元数据或请求参数格式错误
	ErrValidation = errors.New("validation error")
	// ErrContentTooLarge 内容超过允许的大小
	ErrContentTooLarge = errors.New("content too large")
	// ErrProtocolViolation 通知通道上收到了不应出现的消息
	ErrProtocolViolation = errors.New("protocol violation")
)
