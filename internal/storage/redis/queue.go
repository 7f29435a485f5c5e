package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pickup/mediator/internal/domain"
	"pickup/mediator/internal/storage"
)

// Queue 基于 Redis 的持久化未投递消息队列。
//
// 每个接收方密钥对应两类键：
//
//	pickup:{key}:queue        有序集合，成员为消息标识，分值为入队时间
//	pickup:{key}:msg:<id>     消息内容，带独立的过期时间
//
// 两类键的过期时钟互不同步：有序集合的 TTL 在每次写入时刷新，
// 而单条消息的 TTL 只在自身写入时刷新。因此每次读取前都会按分值
// 清理过期成员，批量取内容时缺失的消息直接跳过。
// 花括号哈希标签保证同一邮箱的键落在同一个集群槽位。
type Queue struct {
	rdb goredis.UniversalClient
	log *zap.Logger
	ttl time.Duration
	now func() time.Time
}

var (
	_ storage.UndeliveredQueue = (*Queue)(nil)
	_ storage.Pinger           = (*Queue)(nil)
)

// NewQueue 创建持久化队列
func NewQueue(rdb goredis.UniversalClient, log *zap.Logger, opts ...storage.Option) (*Queue, error) {
	o, err := storage.ApplyOptions(opts...)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		rdb: rdb,
		log: log,
		ttl: o.TTL,
		now: o.Clock,
	}, nil
}

func queueKey(recipientKey string) string {
	return fmt.Sprintf("pickup:{%s}:queue", recipientKey)
}

func messageKey(recipientKey, messageID string) string {
	return fmt.Sprintf("pickup:{%s}:msg:%s", recipientKey, messageID)
}

func score(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func backendError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", storage.ErrBackendUnavailable, op, err)
}

// AddMessage 加入消息。ZADD NX 保证重复加入不会改变原有排序位置。
func (q *Queue) AddMessage(ctx context.Context, recipientKey string, msg []byte) error {
	id := domain.MessageID(msg)
	key := queueKey(recipientKey)

	_, err := q.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZAddNX(ctx, key, goredis.Z{Score: score(q.now()), Member: id})
		pipe.Expire(ctx, key, q.ttl)
		pipe.Set(ctx, messageKey(recipientKey, id), msg, q.ttl)
		return nil
	})
	if err != nil {
		return backendError("add message", err)
	}
	return nil
}

// HasMessageForKey 检查是否存在未过期消息
func (q *Queue) HasMessageForKey(ctx context.Context, recipientKey string) (bool, error) {
	if err := q.expire(ctx, recipientKey); err != nil {
		return false, err
	}
	ids, err := q.rdb.ZRange(ctx, queueKey(recipientKey), 0, 0).Result()
	if err != nil {
		return false, backendError("zrange", err)
	}
	return len(ids) > 0, nil
}

// MessageCountForKey 返回未过期消息数量
func (q *Queue) MessageCountForKey(ctx context.Context, recipientKey string) (int, error) {
	if err := q.expire(ctx, recipientKey); err != nil {
		return 0, err
	}
	count, err := q.rdb.ZCard(ctx, queueKey(recipientKey)).Result()
	if err != nil {
		return 0, backendError("zcard", err)
	}
	return int(count), nil
}

// GetMessagesForKey 返回最早的至多 limit 条消息
func (q *Queue) GetMessagesForKey(ctx context.Context, recipientKey string, limit int) ([][]byte, error) {
	if limit <= 0 {
		return [][]byte{}, nil
	}
	if err := q.expire(ctx, recipientKey); err != nil {
		return nil, err
	}
	ids, err := q.rdb.ZRange(ctx, queueKey(recipientKey), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, backendError("zrange", err)
	}
	msgs, err := q.fetch(ctx, recipientKey, ids)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = [][]byte{}
	}
	return msgs, nil
}

// InspectAllMessagesForKey 返回全部消息，邮箱为空时返回 nil
func (q *Queue) InspectAllMessagesForKey(ctx context.Context, recipientKey string) ([][]byte, error) {
	if err := q.expire(ctx, recipientKey); err != nil {
		return nil, err
	}
	ids, err := q.rdb.ZRange(ctx, queueKey(recipientKey), 0, -1).Result()
	if err != nil {
		return nil, backendError("zrange", err)
	}
	return q.fetch(ctx, recipientKey, ids)
}

// RemoveMessagesForKey 删除邮箱中存在的指定消息，索引与内容在同一事务中删除
func (q *Queue) RemoveMessagesForKey(ctx context.Context, recipientKey string, messageIDs []string) error {
	if err := q.expire(ctx, recipientKey); err != nil {
		return err
	}
	key := queueKey(recipientKey)
	known, err := q.rdb.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return backendError("zrange", err)
	}

	wanted := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = struct{}{}
	}
	members := make([]interface{}, 0, len(wanted))
	payloadKeys := make([]string, 0, len(wanted))
	for _, id := range known {
		if _, ok := wanted[id]; ok {
			members = append(members, id)
			payloadKeys = append(payloadKeys, messageKey(recipientKey, id))
		}
	}
	if len(members) == 0 {
		return nil
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRem(ctx, key, members...)
		pipe.Del(ctx, payloadKeys...)
		return nil
	})
	if err != nil {
		return backendError("remove messages", err)
	}
	q.log.Debug("removed queued messages",
		zap.String("recipient_key", recipientKey),
		zap.Int("count", len(members)),
	)
	return nil
}

// Ping 测试后端连通性
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return backendError("ping", err)
	}
	return nil
}

// expire 清理分值早于 now-ttl 的索引成员
func (q *Queue) expire(ctx context.Context, recipientKey string) error {
	cutoff := score(q.now().Add(-q.ttl))
	removed, err := q.rdb.ZRemRangeByScore(ctx, queueKey(recipientKey), "-inf",
		strconv.FormatFloat(cutoff, 'f', -1, 64)).Result()
	if err != nil {
		return backendError("expire", err)
	}
	if removed > 0 {
		q.log.Debug("expired queued messages",
			zap.String("recipient_key", recipientKey),
			zap.Int64("count", removed),
		)
	}
	return nil
}

// fetch 批量读取消息内容，跳过已过期或已被回收的条目
func (q *Queue) fetch(ctx context.Context, recipientKey string, ids []string) ([][]byte, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = messageKey(recipientKey, id)
	}
	values, err := q.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, backendError("mget", err)
	}

	msgs := make([][]byte, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		msgs = append(msgs, []byte(s))
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs, nil
}
