package httptransport

import (
	"errors"
	"net/http"

	"pickup/mediator/internal/domain"
	"pickup/mediator/internal/service"
	"pickup/mediator/internal/storage"
)

// 通用错误消息
const (
	MsgInvalidRequest     = "请求参数格式错误"
	MsgRecipientRequired  = "缺少接收方密钥"
	MsgStorageUnavailable = "消息存储暂不可用"
	MsgQueueFull          = "事件队列已满，请稍后重试"
	MsgEventAccepted      = "事件已接收"
	MsgInternalError      = "服务器内部错误，请稍后重试"
)

// statusFor 将业务错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownRequester):
		return http.StatusUnauthorized
	case service.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// messageFor 返回管理接口的错误提示
func messageFor(err error) string {
	switch statusFor(err) {
	case http.StatusBadRequest:
		return MsgInvalidRequest
	case http.StatusServiceUnavailable:
		return MsgStorageUnavailable
	default:
		return MsgInternalError
	}
}
