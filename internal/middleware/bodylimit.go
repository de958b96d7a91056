package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	// SmallBodyLimit 普通 JSON 请求
	SmallBodyLimit = 1 * 1024 * 1024 // 1MB

	// MultipartOverhead multipart 表单中除文件外的部分（边界、元数据字段）
	MultipartOverhead = 1 * 1024 * 1024
)

// BodySizeLimit 所有路由使用同一个上限
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	return DynamicBodySizeLimit(nil, maxBytes)
}

// DynamicBodySizeLimit 按路由模板（c.FullPath）选择请求体上限，未列出的路由使用 defaultLimit。
//
// Content-Length 已知且超限时直接返回 413；分块上传由 MaxBytesReader 在读取时截断，
// 由处理器把 *http.MaxBytesError 转成 413。
func DynamicBodySizeLimit(limits map[string]int64, defaultLimit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := limits[c.FullPath()]
		if !ok {
			limit = defaultLimit
		}

		if c.Request.ContentLength > limit {
			abortWithMessage(c, http.StatusRequestEntityTooLarge, "请求体超过大小限制", gin.H{
				"limit": limit,
				"size":  c.Request.ContentLength,
			})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Header("X-Max-Body-Size", strconv.FormatInt(limit, 10))

		c.Next()
	}
}

// abortWithMessage 以与处理器一致的 {code, msg, data} 结构中止请求
func abortWithMessage(c *gin.Context, status int, msg string, data any) {
	body := gin.H{"code": status, "msg": msg}
	if data != nil {
		body["data"] = data
	}
	c.AbortWithStatusJSON(status, body)
}
