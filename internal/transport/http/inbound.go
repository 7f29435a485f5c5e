package httptransport

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pickup/mediator/internal/domain"
	"pickup/mediator/internal/middleware"
	"pickup/mediator/internal/service"
)

// InboundHandler 接收上游运行时解包后的协议消息，回复写在响应体中
type InboundHandler struct {
	dispatcher *service.Dispatcher
	log        *zap.Logger
}

// NewInboundHandler 创建入站消息处理器
func NewInboundHandler(dispatcher *service.Dispatcher, log *zap.Logger) *InboundHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &InboundHandler{dispatcher: dispatcher, log: log}
}

// Receive 处理一条入站协议消息
func (h *InboundHandler) Receive(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.writeProblem(c, http.StatusRequestEntityTooLarge,
			domain.NewProblemReport(domain.ProblemMalformed, "request body could not be read"))
		return
	}

	receipt := service.Receipt{SenderVerkey: c.GetString(middleware.ContextKeySenderVerkey)}
	reply, err := h.dispatcher.Dispatch(c.Request.Context(), raw, receipt)
	if err != nil {
		report := service.ProblemFor(err)
		if header, perr := domain.ParseHeader(raw); perr == nil {
			report.AssignThreadFrom(header)
		}
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.log.Error("inbound message failed", zap.Error(err))
		}
		h.writeProblem(c, status, report)
		return
	}

	h.writeReply(c, http.StatusOK, reply)
}

func (h *InboundHandler) writeProblem(c *gin.Context, status int, report *domain.ProblemReport) {
	h.writeReply(c, status, report)
}

func (h *InboundHandler) writeReply(c *gin.Context, status int, reply any) {
	body, err := json.Marshal(reply)
	if err != nil {
		h.log.Error("failed to encode reply", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(status, "application/json", body)
}
