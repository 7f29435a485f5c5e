package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTTL 未配置时排队消息的保留时长（三天）
const DefaultTTL = 72 * time.Hour

var (
	// ErrInvalidTTL 生存时间必须为正数
	ErrInvalidTTL = errors.New("time to live must be a positive duration")
	// ErrBackendUnavailable 持久化后端不可用
	ErrBackendUnavailable = errors.New("storage backend unavailable")
)

// UndeliveredQueue 定义按接收方密钥划分的未投递消息邮箱。
//
// 所有读取操作在返回前都会先清理过期条目，因此计数与存在性检查
// 不会包含已过期的消息。删除不存在的标识不是错误。
type UndeliveredQueue interface {
	// AddMessage 将消息加入接收方邮箱，按消息标识去重，并刷新生存时间
	AddMessage(ctx context.Context, recipientKey string, msg []byte) error
	// HasMessageForKey 邮箱中是否至少有一条未过期消息
	HasMessageForKey(ctx context.Context, recipientKey string) (bool, error)
	// MessageCountForKey 未过期消息数量
	MessageCountForKey(ctx context.Context, recipientKey string) (int, error)
	// GetMessagesForKey 按入队顺序返回最早的至多 limit 条消息，不删除
	GetMessagesForKey(ctx context.Context, recipientKey string, limit int) ([][]byte, error)
	// InspectAllMessagesForKey 诊断用途，返回全部消息；邮箱为空时返回 nil
	InspectAllMessagesForKey(ctx context.Context, recipientKey string) ([][]byte, error)
	// RemoveMessagesForKey 删除标识在给定集合中的消息，未知标识被忽略
	RemoveMessagesForKey(ctx context.Context, recipientKey string, messageIDs []string) error
}

// Pinger 可以探测后端连通性的存储
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options 存储构造参数
type Options struct {
	TTL   time.Duration
	Clock func() time.Time
}

// Option 存储构造选项
type Option func(*Options) error

// WithTTL 设置邮箱与消息的生存时间
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) error {
		if ttl <= 0 {
			return fmt.Errorf("%w: got %s", ErrInvalidTTL, ttl)
		}
		o.TTL = ttl
		return nil
	}
}

// WithClock 替换时间来源，主要用于测试
func WithClock(clock func() time.Time) Option {
	return func(o *Options) error {
		if clock != nil {
			o.Clock = clock
		}
		return nil
	}
}

// ApplyOptions 应用选项并填充默认值
func ApplyOptions(opts ...Option) (Options, error) {
	o := Options{TTL: DefaultTTL, Clock: time.Now}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return Options{}, err
		}
	}
	return o, nil
}

// CopyMessage 返回消息字节的副本，调用方不会持有存储内部数据
func CopyMessage(msg []byte) []byte {
	out := make([]byte, len(msg))
	copy(out, msg)
	return out
}
