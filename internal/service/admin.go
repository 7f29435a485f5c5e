package service

import (
	"context"

	"go.uber.org/zap"

	"pickup/mediator/internal/domain"
	"pickup/mediator/internal/monitoring"
	"pickup/mediator/internal/storage"
)

// MailboxSummary 邮箱概况
type MailboxSummary struct {
	RecipientKey string `json:"recipient_key"`
	MessageCount int    `json:"message_count"`
	LiveSession  bool   `json:"live_session"`
}

// QueuedMessage 诊断接口返回的排队消息
type QueuedMessage struct {
	ID      string `json:"id"`
	Payload string `json:"payload"`
}

// AdminService 邮箱运维操作
type AdminService struct {
	queue    storage.UndeliveredQueue
	sessions SessionResolver
	log      *zap.Logger
	metrics  *monitoring.Metrics
}

// NewAdminService 创建运维服务，sessions 可以为 nil
func NewAdminService(queue storage.UndeliveredQueue, sessions SessionResolver, log *zap.Logger, metrics *monitoring.Metrics) *AdminService {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminService{queue: queue, sessions: sessions, log: log, metrics: metrics}
}

// Summary 返回邮箱消息数以及是否存在打开的回复会话
func (s *AdminService) Summary(ctx context.Context, key string) (*MailboxSummary, error) {
	count, err := s.queue.MessageCountForKey(ctx, key)
	if err != nil {
		return nil, err
	}
	summary := &MailboxSummary{RecipientKey: key, MessageCount: count}
	if s.sessions != nil {
		_, summary.LiveSession = s.sessions.SessionForKey(key)
	}
	return summary, nil
}

// Inspect 返回邮箱中的全部消息
func (s *AdminService) Inspect(ctx context.Context, key string) ([]QueuedMessage, error) {
	msgs, err := s.queue.InspectAllMessagesForKey(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]QueuedMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, QueuedMessage{ID: domain.MessageID(m), Payload: string(m)})
	}
	return out, nil
}

// Remove 删除指定消息并返回剩余数量
func (s *AdminService) Remove(ctx context.Context, key string, ids []string) (int, error) {
	removed, remaining, err := removeMessages(ctx, s.queue, key, ids)
	if err != nil {
		return 0, err
	}
	s.metrics.RecordRemoved(removed)
	s.log.Info("admin removed messages",
		zap.String("recipient_key", key),
		zap.Int("requested", len(ids)),
		zap.Int("removed", removed),
	)
	return remaining, nil
}
