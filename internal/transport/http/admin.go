package httptransport

import (
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pickup/mediator/internal/domain"
	"pickup/mediator/internal/health"
	"pickup/mediator/internal/service"
)

// AdminHandler 管理 API 处理器
type AdminHandler struct {
	admin  *service.AdminService
	health *health.HealthChecker
	events chan<- domain.UndeliverableEvent
	log    *zap.Logger
}

// NewAdminHandler 创建管理处理器
func NewAdminHandler(admin *service.AdminService, hc *health.HealthChecker, events chan<- domain.UndeliverableEvent, log *zap.Logger) *AdminHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminHandler{admin: admin, health: hc, events: events, log: log}
}

type removeMessagesRequest struct {
	MessageIDs []string `json:"message_ids" binding:"required"`
}

type removeMessagesResponse struct {
	Remaining int `json:"remaining"`
}

// GetMailbox 查询邮箱概况
func (h *AdminHandler) GetMailbox(c *gin.Context) {
	key, ok := recipientKey(c)
	if !ok {
		return
	}
	summary, err := h.admin.Summary(c.Request.Context(), key)
	if err != nil {
		h.fail(c, err)
		return
	}
	Success(c, summary)
}

// ListMessages 列出邮箱中的全部消息
func (h *AdminHandler) ListMessages(c *gin.Context) {
	key, ok := recipientKey(c)
	if !ok {
		return
	}
	msgs, err := h.admin.Inspect(c.Request.Context(), key)
	if err != nil {
		h.fail(c, err)
		return
	}
	Success(c, msgs)
}

// RemoveMessages 删除指定消息
func (h *AdminHandler) RemoveMessages(c *gin.Context) {
	key, ok := recipientKey(c)
	if !ok {
		return
	}
	var req removeMessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	remaining, err := h.admin.Remove(c.Request.Context(), key, req.MessageIDs)
	if err != nil {
		h.fail(c, err)
		return
	}
	Success(c, removeMessagesResponse{Remaining: remaining})
}

// PushUndeliverable 接收宿主运行时转发的未投递事件，异步入队
func (h *AdminHandler) PushUndeliverable(c *gin.Context) {
	var ev domain.UndeliverableEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	if ev.Topic == "" {
		ev.Topic = domain.UndeliverableTopic
	}
	if ev.Outbound.EncPayload == "" && ev.Outbound.Payload == "" {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	select {
	case h.events <- ev:
		Accepted(c, MsgEventAccepted)
	default:
		h.log.Warn("undeliverable event queue full")
		Error(c, CodeServiceUnavailable, MsgQueueFull)
	}
}

// Health 返回依赖检查结果
func (h *AdminHandler) Health(c *gin.Context) {
	Success(c, h.health.CheckHealth(c.Request.Context()))
}

func (h *AdminHandler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= CodeInternalError {
		h.log.Error("admin request failed", zap.Error(err), zap.String("path", c.FullPath()))
	}
	Error(c, status, messageFor(err))
}

// recipientKey 读取路径中的接收方密钥
func recipientKey(c *gin.Context) (string, bool) {
	key := strings.TrimSpace(c.Param("key"))
	if key == "" {
		BadRequest(c, MsgRecipientRequired)
		return "", false
	}
	return key, true
}
