// Package websocket 提供 return-route 会话：客户端通过长连接发送协议消息，
// 回复沿同一连接返回。
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pickup/mediator/internal/domain"
	"pickup/mediator/internal/middleware"
	"pickup/mediator/internal/monitoring"
	"pickup/mediator/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 64
)

// ErrSessionClosed 会话已关闭
var ErrSessionClosed = errors.New("session closed")

// MessageDispatcher 处理入站协议消息
type MessageDispatcher interface {
	Dispatch(ctx context.Context, raw []byte, receipt service.Receipt) (domain.Reply, error)
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			// 非浏览器客户端通常不带 Origin
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}

			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}
			return false
		},
	}
}

// Client 代表一个 return-route 会话
type Client struct {
	ID     string
	verkey string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	hub    *Hub
	log    *zap.Logger
}

var _ service.Session = (*Client)(nil)

// VerKey 会话所属的发送方 verkey
func (c *Client) VerKey() string {
	return c.verkey
}

// Send 将消息排入发送队列
func (c *Client) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close 关闭会话，可重复调用
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub 管理所有 return-route 会话
type Hub struct {
	clients        map[string]*Client            // clientID -> Client
	sessions       map[string]map[string]*Client // verkey -> clientID -> Client
	mu             sync.RWMutex
	dispatcher     MessageDispatcher
	log            *zap.Logger
	metrics        *monitoring.Metrics
	allowedOrigins []string
}

var _ service.SessionResolver = (*Hub)(nil)

// NewHub 创建 Hub
func NewHub(dispatcher MessageDispatcher, allowedOrigins []string, log *zap.Logger, metrics *monitoring.Metrics) *Hub {
	// 如果没有配置，默认允许所有
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		clients:        make(map[string]*Client),
		sessions:       make(map[string]map[string]*Client),
		dispatcher:     dispatcher,
		log:            log,
		metrics:        metrics,
		allowedOrigins: allowedOrigins,
	}
}

// Run 定期上报会话数，ctx 结束时关闭全部连接
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			h.log.Info("websocket hub stopped")
			return
		case <-ticker.C:
			h.metrics.SetSessionsActive(h.Count())
		}
	}
}

// SessionForKey 返回该 verkey 最近打开的任意一个会话
func (h *Hub) SessionForKey(key string) (service.Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.sessions[key] {
		return client, true
	}
	return nil, false
}

// Count 当前会话数
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	if h.sessions[c.verkey] == nil {
		h.sessions[c.verkey] = make(map[string]*Client)
	}
	h.sessions[c.verkey][c.ID] = c
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetSessionsActive(count)
	h.log.Info("session opened", zap.String("id", c.ID), zap.String("verkey", c.verkey))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
		if sessions, exists := h.sessions[c.verkey]; exists {
			delete(sessions, c.ID)
			if len(sessions) == 0 {
				delete(h.sessions, c.verkey)
			}
		}
	}
	count := len(h.clients)
	h.mu.Unlock()

	c.close()
	h.metrics.SetSessionsActive(count)
	h.log.Info("session closed", zap.String("id", c.ID), zap.String("verkey", c.verkey))
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.sessions = make(map[string]map[string]*Client)
	h.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
	h.metrics.SetSessionsActive(0)
}

// HandleWebSocket 处理 WebSocket 连接。
// 必须挂在入口认证中间件之后，会话的 verkey 只取自认证后写入上下文的值。
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		verkey := c.GetString(middleware.ContextKeySenderVerkey)
		if verkey == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sender verkey required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			ID:     uuid.NewString(),
			verkey: verkey,
			conn:   conn,
			send:   make(chan []byte, sendBuffer),
			done:   make(chan struct{}),
			hub:    hub,
			log:    hub.log.With(zap.String("verkey", verkey)),
		}
		hub.register(client)

		go client.writePump()
		client.readPump(context.WithoutCancel(c.Request.Context()))
	}
}

// readPump 读取协议消息并将回复写回同一连接
func (c *Client) readPump(ctx context.Context) {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		out, err := c.handleMessage(ctx, data)
		if err != nil {
			c.log.Error("failed to encode reply", zap.Error(err))
			continue
		}
		if err := c.Send(ctx, out); err != nil {
			return
		}
	}
}

// handleMessage 分发消息，处理失败时返回问题报告
func (c *Client) handleMessage(ctx context.Context, data []byte) ([]byte, error) {
	reply, err := c.hub.dispatcher.Dispatch(ctx, data, service.Receipt{SenderVerkey: c.verkey})
	if err != nil {
		report := service.ProblemFor(err)
		if header, perr := domain.ParseHeader(data); perr == nil {
			report.AssignThreadFrom(header)
		}
		return json.Marshal(report)
	}
	return json.Marshal(reply)
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn("websocket write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
