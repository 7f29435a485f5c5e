package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 管理接口统一响应结构
type Response struct {
	Code int         `json:"code"`           // 业务状态码
	Msg  string      `json:"msg"`            // 提示信息
	Data interface{} `json:"data,omitempty"` // 数据载荷
}

// 业务状态码定义
const (
	CodeSuccess  = 200 // 成功
	CodeAccepted = 202 // 已接受，异步处理

	CodeBadRequest   = 400 // 请求参数错误
	CodeUnauthorized = 401 // 未认证

	CodeInternalError      = 500 // 服务器内部错误
	CodeServiceUnavailable = 503 // 依赖的后端不可用
)

// Success 成功响应（200）
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code: CodeSuccess,
		Msg:  "成功",
		Data: data,
	})
}

// Accepted 已接受响应（202）
func Accepted(c *gin.Context, msg string) {
	c.JSON(http.StatusAccepted, Response{
		Code: CodeAccepted,
		Msg:  msg,
	})
}

// BadRequest 请求参数错误（400）
func BadRequest(c *gin.Context, msg string) {
	Error(c, http.StatusBadRequest, msg)
}

// Error 通用错误响应
func Error(c *gin.Context, httpCode int, msg string) {
	c.JSON(httpCode, Response{
		Code: httpCode,
		Msg:  msg,
	})
}
