package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PickupProtocol 消息拾取协议标识
const PickupProtocol = "https://didcomm.org/messagepickup/2.0"

// 协议消息类型
const (
	TypeStatus           = PickupProtocol + "/status"
	TypeStatusRequest    = PickupProtocol + "/status-request"
	TypeDelivery         = PickupProtocol + "/delivery"
	TypeDeliveryRequest  = PickupProtocol + "/delivery-request"
	TypeMessagesReceived = PickupProtocol + "/messages-received"
)

// ReturnRouteAll 表示回复可以沿当前通道返回
const ReturnRouteAll = "all"

var (
	// ErrProtocolViolation 请求不满足协议前置条件
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrMalformedMessage 消息无法解析
	ErrMalformedMessage = errors.New("malformed message")
	// ErrUnknownRequester 传输层没有提供经过认证的发送方 verkey
	ErrUnknownRequester = errors.New("sender verkey is unknown")
)

// Thread ~thread 装饰器
type Thread struct {
	ThID  string `json:"thid,omitempty"`
	PThID string `json:"pthid,omitempty"`
}

// Transport ~transport 装饰器
type Transport struct {
	ReturnRoute string `json:"return_route,omitempty"`
}

// Header 所有协议消息共享的头部字段与装饰器。
type Header struct {
	Type      string     `json:"@type"`
	ID        string     `json:"@id"`
	Thread    *Thread    `json:"~thread,omitempty"`
	Transport *Transport `json:"~transport,omitempty"`
}

// ThreadID 返回消息所属会话的线程 ID，未设置 ~thread 时即消息自身 ID。
func (h Header) ThreadID() string {
	if h.Thread != nil && h.Thread.ThID != "" {
		return h.Thread.ThID
	}
	return h.ID
}

// ReturnRouteAll 判断请求是否声明了 return_route=all
func (h Header) ReturnRouteAll() bool {
	return h.Transport != nil && h.Transport.ReturnRoute == ReturnRouteAll
}

// Reply 可以作为回复发送的协议消息
type Reply interface {
	MessageType() string
	AssignThreadFrom(req Header)
}

// newHeader 为出站消息生成头部
func newHeader(msgType string) Header {
	return Header{Type: msgType, ID: uuid.NewString()}
}

// AssignThreadFrom 将请求的线程信息复制到回复上。
func (h *Header) AssignThreadFrom(req Header) {
	h.Thread = &Thread{ThID: req.ThreadID()}
	if req.Thread != nil && req.Thread.PThID != "" {
		h.Thread.PThID = req.Thread.PThID
	}
}

// MessageType 返回消息类型
func (h Header) MessageType() string {
	return h.Type
}

// DeliveryRequest 请求投递排队消息
type DeliveryRequest struct {
	Header
	Limit        int    `json:"limit"`
	RecipientKey string `json:"recipient_key,omitempty"`
}

// Validate 校验请求字段
func (r *DeliveryRequest) Validate() error {
	if r.Limit <= 0 {
		return fmt.Errorf("%w: delivery-request limit must be greater than zero", ErrMalformedMessage)
	}
	return nil
}

// Delivery 携带排队消息的投递回复
type Delivery struct {
	Header
	RecipientKey string   `json:"recipient_key,omitempty"`
	Attachments  []Attach `json:"~attach"`
}

// NewDelivery 创建投递回复
func NewDelivery(attachments []Attach) *Delivery {
	return &Delivery{Header: newHeader(TypeDelivery), Attachments: attachments}
}

// Status 报告邮箱当前状态
type Status struct {
	Header
	RecipientKey string `json:"recipient_key,omitempty"`
	MessageCount int    `json:"message_count"`
}

// NewStatus 创建状态回复
func NewStatus(recipientKey string, count int) *Status {
	return &Status{Header: newHeader(TypeStatus), RecipientKey: recipientKey, MessageCount: count}
}

// StatusRequest 查询邮箱状态
type StatusRequest struct {
	Header
	RecipientKey string `json:"recipient_key,omitempty"`
}

// MessagesReceived 接收方确认已收到的消息列表
type MessagesReceived struct {
	Header
	MessageIDList []string `json:"message_id_list"`
}

// UniqueIDs 返回去重后的消息 ID
func (m *MessagesReceived) UniqueIDs() []string {
	seen := make(map[string]struct{}, len(m.MessageIDList))
	out := make([]string, 0, len(m.MessageIDList))
	for _, id := range m.MessageIDList {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ParseHeader 解析入站消息的公共头部
func ParseHeader(raw []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if h.Type == "" {
		return Header{}, fmt.Errorf("%w: missing @type", ErrMalformedMessage)
	}
	return h, nil
}

// Decode 将入站消息解码为具体类型
func Decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}
