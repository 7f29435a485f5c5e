package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pickup/mediator/internal/auth/jwt"
)

// ContextKeyOperator 上下文中保存管理令牌主体的键
const ContextKeyOperator = "operator"

// AdminAuth 管理接口 JWT 认证中间件
type AdminAuth struct {
	jwtManager *jwt.Manager
	log        *zap.Logger
}

// NewAdminAuth 创建管理接口认证中间件
func NewAdminAuth(jwtManager *jwt.Manager, log *zap.Logger) *AdminAuth {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminAuth{
		jwtManager: jwtManager,
		log:        log,
	}
}

// RequireAdmin 要求携带管理范围的令牌
func (a *AdminAuth) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			c.Abort()
			return
		}

		claims, err := a.jwtManager.ValidateAdmin(token)
		if err != nil {
			a.log.Warn("admin token rejected",
				zap.Error(err),
				zap.String("ip", c.ClientIP()),
			)
			status := http.StatusUnauthorized
			if err == jwt.ErrInsufficientScope {
				status = http.StatusForbidden
			}
			c.JSON(status, gin.H{
				"error": "invalid or expired token",
			})
			c.Abort()
			return
		}

		c.Set(ContextKeyOperator, claims.Subject)
		c.Next()
	}
}

// extractBearer 从 Authorization 头提取令牌
func extractBearer(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
