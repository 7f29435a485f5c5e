// Package httptransport 提供中介服务的 HTTP 入口：协议消息、会话、管理接口与探针。
package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "pickup/mediator/internal/auth/jwt"
	"pickup/mediator/internal/config"
	"pickup/mediator/internal/domain"
	"pickup/mediator/internal/health"
	"pickup/mediator/internal/middleware"
	"pickup/mediator/internal/monitoring"
	"pickup/mediator/internal/service"
	"pickup/mediator/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config         *config.Config
	Dispatcher     *service.Dispatcher
	AdminService   *service.AdminService
	Health         *health.HealthChecker
	Metrics        *monitoring.Metrics
	WebSocketHub   *websocket.Hub                   // 可选
	IngressManager *jwtpkg.Manager                  // 协议入口令牌校验，为 nil 时不注册协议入口
	JWTManager     *jwtpkg.Manager                  // 为 nil 时不注册管理接口
	Limiter        *middleware.VerkeyLimiter        // 为 nil 时不限流
	Events         chan<- domain.UndeliverableEvent // 未投递事件入口
	Logger         *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	router := gin.New()

	router.Use(middleware.RecoveryHandler(deps.Logger, deps.Metrics))
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.HTTPMetrics(deps.Metrics))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderSenderVerkey},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	// 探针与指标
	router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint))
	router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	// 协议消息入口，发送方 verkey 只在上游认证通过后才被信任
	if deps.IngressManager != nil {
		ingress := []gin.HandlerFunc{middleware.NewIngressAuth(deps.IngressManager, deps.Logger).RequireIngress()}
		if deps.Limiter != nil {
			ingress = append(ingress, deps.Limiter.Limit())
		}
		inbound := NewInboundHandler(deps.Dispatcher, deps.Logger)

		protocol := router.Group("/", ingress...)
		protocol.POST("/", middleware.BodySizeLimit(middleware.DefaultBodyLimit), inbound.Receive)
		if deps.WebSocketHub != nil {
			protocol.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))
		}
	} else {
		deps.Logger.Warn("ingress token manager not configured, protocol routes disabled")
	}

	// 管理接口
	if deps.JWTManager != nil {
		adminHandler := NewAdminHandler(deps.AdminService, deps.Health, deps.Events, deps.Logger)
		adminAuth := middleware.NewAdminAuth(deps.JWTManager, deps.Logger)

		adminRoutes := router.Group("/admin")
		adminRoutes.Use(adminAuth.RequireAdmin(), middleware.BodySizeLimit(middleware.AdminBodyLimit))
		{
			adminRoutes.GET("/health", adminHandler.Health)
			adminRoutes.GET("/mailboxes/:key", adminHandler.GetMailbox)
			adminRoutes.GET("/mailboxes/:key/messages", adminHandler.ListMessages)
			adminRoutes.DELETE("/mailboxes/:key/messages", adminHandler.RemoveMessages)
			adminRoutes.POST("/undeliverable", adminHandler.PushUndeliverable)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		Error(c, http.StatusNotFound, "接口不存在")
	})

	return router
}
