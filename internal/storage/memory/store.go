package memory

import (
	"context"
	"sync"
	"time"

	"pickup/mediator/internal/domain"
	"pickup/mediator/internal/storage"
)

// Store 使用进程内存保存未投递消息，不做持久化，主要用于单进程部署与测试。
type Store struct {
	mu        sync.Mutex
	mailboxes map[string]*mailbox // recipientKey -> mailbox

	ttl time.Duration
	now func() time.Time
}

// mailbox 单个接收方密钥的有序消息队列
type mailbox struct {
	entries []*entry          // 按入队时间升序
	byID    map[string]*entry // messageID -> entry
}

type entry struct {
	id         string
	msg        []byte
	enqueuedAt time.Time
}

var _ storage.UndeliveredQueue = (*Store)(nil)

// NewStore 创建内存存储实例。
func NewStore(opts ...storage.Option) (*Store, error) {
	o, err := storage.ApplyOptions(opts...)
	if err != nil {
		return nil, err
	}
	return &Store{
		mailboxes: make(map[string]*mailbox),
		ttl:       o.TTL,
		now:       o.Clock,
	}, nil
}

// AddMessage 加入消息；相同内容重复加入时保留原有位置。
func (s *Store) AddMessage(ctx context.Context, recipientKey string, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := domain.MessageID(msg)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(recipientKey)

	mb, ok := s.mailboxes[recipientKey]
	if !ok {
		mb = &mailbox{byID: make(map[string]*entry)}
		s.mailboxes[recipientKey] = mb
	}
	if _, exists := mb.byID[id]; exists {
		return nil
	}

	e := &entry{id: id, msg: storage.CopyMessage(msg), enqueuedAt: s.now()}
	mb.entries = append(mb.entries, e)
	mb.byID[id] = e
	return nil
}

// HasMessageForKey 检查是否存在未过期消息。
func (s *Store) HasMessageForKey(ctx context.Context, recipientKey string) (bool, error) {
	count, err := s.MessageCountForKey(ctx, recipientKey)
	return count > 0, err
}

// MessageCountForKey 返回未过期消息数量。
func (s *Store) MessageCountForKey(ctx context.Context, recipientKey string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if mb := s.pruneLocked(recipientKey); mb != nil {
		return len(mb.entries), nil
	}
	return 0, nil
}

// GetMessagesForKey 返回最早的至多 limit 条消息。
func (s *Store) GetMessagesForKey(ctx context.Context, recipientKey string, limit int) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return [][]byte{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mb := s.pruneLocked(recipientKey)
	if mb == nil {
		return [][]byte{}, nil
	}
	n := min(limit, len(mb.entries))
	out := make([][]byte, 0, n)
	for _, e := range mb.entries[:n] {
		out = append(out, storage.CopyMessage(e.msg))
	}
	return out, nil
}

// InspectAllMessagesForKey 返回全部消息，邮箱为空时返回 nil。
func (s *Store) InspectAllMessagesForKey(ctx context.Context, recipientKey string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mb := s.pruneLocked(recipientKey)
	if mb == nil {
		return nil, nil
	}
	out := make([][]byte, 0, len(mb.entries))
	for _, e := range mb.entries {
		out = append(out, storage.CopyMessage(e.msg))
	}
	return out, nil
}

// RemoveMessagesForKey 删除指定标识的消息，忽略邮箱中不存在的标识。
func (s *Store) RemoveMessagesForKey(ctx context.Context, recipientKey string, messageIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mb := s.pruneLocked(recipientKey)
	if mb == nil {
		return nil
	}

	removed := false
	for _, id := range messageIDs {
		if _, ok := mb.byID[id]; ok {
			delete(mb.byID, id)
			removed = true
		}
	}
	if !removed {
		return nil
	}

	kept := mb.entries[:0]
	for _, e := range mb.entries {
		if _, ok := mb.byID[e.id]; ok {
			kept = append(kept, e)
		}
	}
	clear(mb.entries[len(kept):])
	mb.entries = kept
	if len(mb.entries) == 0 {
		delete(s.mailboxes, recipientKey)
	}
	return nil
}

// DeleteExpired 清理所有邮箱中的过期消息，返回删除数量。
func (s *Store) DeleteExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, mb := range s.mailboxes {
		before := len(mb.entries)
		if s.pruneLocked(key) == nil {
			count += before
			continue
		}
		count += before - len(mb.entries)
	}
	return count, nil
}

// pruneLocked 移除入队时间早于 now-ttl 的条目，邮箱为空时一并删除。
//
// 条目按入队时间升序排列，因此只需截掉过期前缀。
func (s *Store) pruneLocked(recipientKey string) *mailbox {
	mb, ok := s.mailboxes[recipientKey]
	if !ok {
		return nil
	}

	cutoff := s.now().Add(-s.ttl)
	expired := 0
	for expired < len(mb.entries) && !mb.entries[expired].enqueuedAt.After(cutoff) {
		delete(mb.byID, mb.entries[expired].id)
		expired++
	}
	if expired > 0 {
		mb.entries = append(mb.entries[:0], mb.entries[expired:]...)
	}

	if len(mb.entries) == 0 {
		delete(s.mailboxes, recipientKey)
		return nil
	}
	return mb
}
