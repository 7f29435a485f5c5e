package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pickup/mediator/internal/auth/jwt"
)

const (
	// HeaderSenderVerkey 上游运行时解包后填写的发送方 verkey
	HeaderSenderVerkey = "X-Sender-Verkey"
	// ContextKeySenderVerkey 上下文中保存经过认证的发送方 verkey 的键
	ContextKeySenderVerkey = "senderVerkey"
	// ContextKeyIngressClient 上下文中保存上游运行时令牌主体的键
	ContextKeyIngressClient = "ingressClient"
)

// IngressAuth 协议入口认证中间件。
//
// 发送方 verkey 由上游运行时在解包信封后声明，只有持有 pickup:ingress
// 范围令牌的请求才会把该声明写入上下文。
type IngressAuth struct {
	jwtManager *jwt.Manager
	log        *zap.Logger
}

// NewIngressAuth 创建协议入口认证中间件
func NewIngressAuth(jwtManager *jwt.Manager, log *zap.Logger) *IngressAuth {
	if log == nil {
		log = zap.NewNop()
	}
	return &IngressAuth{
		jwtManager: jwtManager,
		log:        log,
	}
}

// RequireIngress 校验上游令牌并提取其声明的发送方 verkey
func (a *IngressAuth) RequireIngress() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}

		claims, err := a.jwtManager.ValidateIngress(token)
		if err != nil {
			a.log.Warn("ingress token rejected",
				zap.Error(err),
				zap.String("ip", c.ClientIP()),
			)
			status := http.StatusUnauthorized
			if errors.Is(err, jwt.ErrInsufficientScope) {
				status = http.StatusForbidden
			}
			c.AbortWithStatusJSON(status, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(ContextKeyIngressClient, claims.Subject)
		if verkey := strings.TrimSpace(c.GetHeader(HeaderSenderVerkey)); verkey != "" {
			c.Set(ContextKeySenderVerkey, verkey)
		}
		c.Next()
	}
}
