package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"clipportal/backend/internal/domain"
)

// 错误消息映射表（业务错误 -> 中文消息），按顺序匹配
var errorMessages = []struct {
	err error
	msg string
}{
	{domain.ErrMailboxNotFound, MsgMailboxNotFound},
	{domain.ErrForbidden, MsgForbidden},
	{domain.ErrContentTooLarge, MsgContentTooLarge},
	{domain.ErrValidation, MsgValidationFailed},
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	for _, m := range errorMessages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	return MsgInternalError
}

// 通用错误消息
const (
	// 请求相关
	MsgInvalidRequest = "请求参数格式错误"
	MsgInvalidForm    = "表单格式错误"
	MsgMissingFile    = "缺少文件字段"

	// 邮箱相关
	MsgMailboxCreateFailed = "创建邮箱失败"
	MsgMailboxNotFound     = "邮箱不存在"
	MsgForbidden           = "凭证与邮箱不匹配"
	MsgValidationFailed    = "元数据格式错误"
	MsgContentTooLarge     = "内容超过大小限制"
	MsgSendFailed          = "发送失败"
	MsgReceiveFailed       = "读取失败"

	// 服务器错误
	MsgInternalError = "服务器内部错误，请稍后重试"
)

// respondError 按错误类型返回 404/403/413/422/500
//
// ErrContentTooLarge 同时包装了 ErrValidation，需先于后者判断。
func respondError(c *gin.Context, err error, fallback string) {
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.Is(err, domain.ErrMailboxNotFound):
		NotFound(c, MsgMailboxNotFound)
	case errors.Is(err, domain.ErrForbidden):
		Forbidden(c, MsgForbidden)
	case errors.Is(err, domain.ErrContentTooLarge), errors.As(err, &maxBytesErr):
		TooLarge(c, MsgContentTooLarge)
	case errors.Is(err, domain.ErrValidation):
		UnprocessableEntity(c, GetErrorMessage(err))
	default:
		_ = c.Error(err)
		InternalError(c, fallback)
	}
}
