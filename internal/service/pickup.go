// Package service 实现消息拾取协议的请求处理、分发与未投递事件的入队。
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"pickup/mediator/internal/domain"
	"pickup/mediator/internal/monitoring"
	"pickup/mediator/internal/storage"
)

// Receipt 入站传输层提供的消息回执
type Receipt struct {
	// SenderVerkey 经过认证的发送方 verkey，即请求者的邮箱密钥
	SenderVerkey string
}

// RequestContext 一次入站协议消息的处理上下文
type RequestContext struct {
	Receipt Receipt
	Header  domain.Header
	Raw     []byte
}

// HandlerFunc 协议消息处理函数，返回需要沿原通道发送的回复
type HandlerFunc func(ctx context.Context, req *RequestContext) (domain.Reply, error)

// PickupService 消息拾取协议处理器
type PickupService struct {
	queue   storage.UndeliveredQueue
	log     *zap.Logger
	metrics *monitoring.Metrics
}

// NewPickupService 创建协议处理器
func NewPickupService(queue storage.UndeliveredQueue, log *zap.Logger, metrics *monitoring.Metrics) *PickupService {
	if log == nil {
		log = zap.NewNop()
	}
	return &PickupService{queue: queue, log: log, metrics: metrics}
}

// Routes 返回协议消息类型到处理函数的映射
func Routes(s *PickupService) map[string]HandlerFunc {
	return map[string]HandlerFunc{
		domain.TypeDeliveryRequest:  s.HandleDeliveryRequest,
		domain.TypeMessagesReceived: s.HandleMessagesReceived,
		domain.TypeStatusRequest:    s.HandleStatusRequest,
	}
}

// HandleDeliveryRequest 处理投递请求。
//
// 邮箱非空时按入队顺序返回至多 limit 条消息作为附件，否则返回消息数为 0 的状态。
// 消息只在收到确认后删除。
func (s *PickupService) HandleDeliveryRequest(ctx context.Context, req *RequestContext) (domain.Reply, error) {
	var msg domain.DeliveryRequest
	if err := domain.Decode(req.Raw, &msg); err != nil {
		return nil, err
	}
	key, err := requesterKey(req, msg.Header)
	if err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	has, err := s.queue.HasMessageForKey(ctx, key)
	if err != nil {
		return nil, err
	}

	var reply domain.Reply
	if has {
		msgs, err := s.queue.GetMessagesForKey(ctx, key, msg.Limit)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			attachments := make([]domain.Attach, 0, len(msgs))
			for _, m := range msgs {
				attachments = append(attachments, domain.NewBase64Attach(domain.MessageID(m), m))
			}
			s.metrics.RecordDelivered(len(attachments))
			s.log.Debug("delivering queued messages",
				zap.String("recipient_key", key),
				zap.Int("count", len(attachments)),
				zap.Int("limit", msg.Limit),
			)
			reply = domain.NewDelivery(attachments)
		}
	}
	if reply == nil {
		// 索引中的条目可能在读取内容时恰好过期，此时按空邮箱处理
		reply = domain.NewStatus(msg.RecipientKey, 0)
	}

	reply.AssignThreadFrom(msg.Header)
	return reply, nil
}

// HandleMessagesReceived 处理接收确认，删除已确认的消息并返回剩余数量
func (s *PickupService) HandleMessagesReceived(ctx context.Context, req *RequestContext) (domain.Reply, error) {
	var msg domain.MessagesReceived
	if err := domain.Decode(req.Raw, &msg); err != nil {
		return nil, err
	}
	key, err := requesterKey(req, msg.Header)
	if err != nil {
		return nil, err
	}

	removed, count, err := removeMessages(ctx, s.queue, key, msg.UniqueIDs())
	if err != nil {
		return nil, err
	}
	s.metrics.RecordRemoved(removed)
	s.log.Debug("messages acknowledged",
		zap.String("recipient_key", key),
		zap.Int("acknowledged", len(msg.MessageIDList)),
		zap.Int("removed", removed),
		zap.Int("remaining", count),
	)

	reply := domain.NewStatus("", count)
	reply.AssignThreadFrom(msg.Header)
	return reply, nil
}

// HandleStatusRequest 返回邮箱中的消息数量
func (s *PickupService) HandleStatusRequest(ctx context.Context, req *RequestContext) (domain.Reply, error) {
	var msg domain.StatusRequest
	if err := domain.Decode(req.Raw, &msg); err != nil {
		return nil, err
	}
	key, err := requesterKey(req, msg.Header)
	if err != nil {
		return nil, err
	}

	count, err := s.queue.MessageCountForKey(ctx, key)
	if err != nil {
		return nil, err
	}

	reply := domain.NewStatus(msg.RecipientKey, count)
	reply.AssignThreadFrom(msg.Header)
	return reply, nil
}

// requesterKey 校验回复通道并返回请求者的邮箱密钥
func requesterKey(req *RequestContext, h domain.Header) (string, error) {
	if !h.ReturnRouteAll() {
		return "", fmt.Errorf("%w: %s requires ~transport.return_route=all", domain.ErrProtocolViolation, h.Type)
	}
	if req.Receipt.SenderVerkey == "" {
		return "", fmt.Errorf("%w: %s", domain.ErrUnknownRequester, h.Type)
	}
	return req.Receipt.SenderVerkey, nil
}

// removeMessages 在邮箱非空时删除指定消息，返回实际删除数与剩余数。
// 删除数取删除前后计数之差，未知或已过期的标识不计入。
func removeMessages(ctx context.Context, queue storage.UndeliveredQueue, key string, ids []string) (int, int, error) {
	before, err := queue.MessageCountForKey(ctx, key)
	if err != nil {
		return 0, 0, err
	}
	if before == 0 {
		return 0, 0, nil
	}
	if err := queue.RemoveMessagesForKey(ctx, key, ids); err != nil {
		return 0, 0, err
	}
	after, err := queue.MessageCountForKey(ctx, key)
	if err != nil {
		return 0, 0, err
	}
	return max(before-after, 0), after, nil
}
