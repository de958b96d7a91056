package httptransport

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"clipportal/backend/internal/domain"
	"clipportal/backend/internal/service"
)

// multipartMemory 解析 multipart 时保存在内存中的上限，超出部分写入临时文件
const multipartMemory = 8 << 20

type createUserRequest struct {
	PublicKeyBase64 string `json:"publicKeyBase64"`
}

type createUserResponse struct {
	ID              string `json:"id"`
	Secret          string `json:"secret,omitempty"`
	PublicKeyBase64 string `json:"publicKeyBase64,omitempty"`
}

type receiveResponse struct {
	Meta            *domain.Metadata `json:"meta,omitempty"`
	PublicKeyBase64 string           `json:"publicKeyBase64,omitempty"`
	LastModified    *time.Time       `json:"lastModified,omitempty"`
}

// root 存活探测
func (h *Handler) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": rootMessage})
}

// createUser godoc
// @Summary 创建剪贴板邮箱
// @Description 分配一个 8 位数字 ID。secret 模式返回一次性密钥，publickey 模式需要提交公钥
// @Tags Mailboxes
// @Accept json
// @Produce json
// @Param request body createUserRequest false "公钥（publickey 模式）"
// @Success 201 {object} Response{data=createUserResponse}
// @Failure 422 {object} Response
// @Router /users [post]
func (h *Handler) createUser(c *gin.Context) {
	var req createUserRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			BadRequest(c, MsgInvalidRequest)
			return
		}
	}

	result, err := h.relay.CreateMailbox(c.Request.Context(), service.CreateMailboxInput{
		PublicKeyBase64: req.PublicKeyBase64,
		IPSource:        c.ClientIP(),
	})
	if err != nil {
		respondError(c, err, MsgMailboxCreateFailed)
		return
	}

	Created(c, createUserResponse{
		ID:              result.Mailbox.ID,
		Secret:          result.Secret,
		PublicKeyBase64: result.PublicKeyBase64,
	})
}

// send godoc
// @Summary 发送剪贴板内容
// @Description 覆盖接收方邮箱中的内容。表单字段 meta 为元数据 JSON，file 为内容
// @Tags Mailboxes
// @Accept multipart/form-data
// @Param receiverId path string true "接收方邮箱 ID"
// @Success 204
// @Failure 404 {object} Response
// @Failure 413 {object} Response
// @Failure 422 {object} Response
// @Router /send/{receiverId} [post]
func (h *Handler) send(c *gin.Context) {
	receiverID := c.Param("receiverId")
	if !domain.IsValidMailboxID(receiverID) {
		NotFound(c, MsgMailboxNotFound)
		return
	}

	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			TooLarge(c, MsgContentTooLarge)
			return
		}
		UnprocessableEntity(c, MsgInvalidForm)
		return
	}
	defer c.Request.MultipartForm.RemoveAll()

	meta := c.Request.FormValue("meta")

	var content io.Reader = strings.NewReader("")
	file, _, err := c.Request.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		content = file
	case errors.Is(err, http.ErrMissingFile):
		// 缺少 file 时按空内容处理
	default:
		UnprocessableEntity(c, MsgMissingFile)
		return
	}

	if _, err := h.relay.Send(c.Request.Context(), service.SendInput{
		ReceiverID:   receiverID,
		MetadataJSON: meta,
		Content:      content,
		IPSource:     c.ClientIP(),
	}); err != nil {
		if !errors.Is(err, domain.ErrValidation) && !errors.Is(err, domain.ErrMailboxNotFound) {
			h.logger.Error("Failed to send clipboard entry",
				zap.String("receiverId", receiverID),
				zap.Error(err))
		}
		respondError(c, err, MsgSendFailed)
		return
	}

	NoContent(c)
}

// receive godoc
// @Summary 一次性轮询
// @Description 凭证校验通过后，返回晚于 since 的最新元数据，没有新内容时 data 为空对象
// @Tags Mailboxes
// @Accept json
// @Produce json
// @Param request body domain.Handshake true "邮箱 ID、凭证和水位线"
// @Success 200 {object} Response{data=receiveResponse}
// @Failure 403 {object} Response
// @Failure 404 {object} Response
// @Router /receive [post]
func (h *Handler) receive(c *gin.Context) {
	var req domain.Handshake
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	event, err := h.relay.Receive(c.Request.Context(), service.ReceiveInput{
		ID:         req.ID,
		Capability: req.PresentedCapability(),
		Since:      req.Watermark(),
	})
	if err != nil {
		respondError(c, err, MsgReceiveFailed)
		return
	}

	resp := receiveResponse{}
	if event != nil {
		lastModified := event.LastModified
		resp.Meta = event.Metadata
		resp.PublicKeyBase64 = event.CapabilityMaterial
		resp.LastModified = &lastModified
	}
	Success(c, resp)
}

// content godoc
// @Summary 下载内容
// @Description 返回邮箱当前内容的原始字节
// @Tags Mailboxes
// @Produce octet-stream
// @Param id path string true "邮箱 ID"
// @Success 200
// @Failure 404 {object} Response
// @Router /content/{id} [get]
func (h *Handler) content(c *gin.Context) {
	path, err := h.relay.ContentPath(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, MsgInternalError)
		return
	}

	c.Header("Content-Type", "application/octet-stream")
	c.Header("Cache-Control", "no-store")
	c.File(path)
}

// publicKey godoc
// @Summary 获取公钥
// @Description 返回 publickey 模式邮箱在创建时提交的公钥
// @Tags Mailboxes
// @Produce plain
// @Param id path string true "邮箱 ID"
// @Success 200 {string} string
// @Failure 404 {object} Response
// @Router /publickey/{id} [get]
func (h *Handler) publicKey(c *gin.Context) {
	key, err := h.relay.PublicKey(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, MsgInternalError)
		return
	}

	c.String(http.StatusOK, key)
}
