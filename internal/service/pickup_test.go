package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pickup/mediator/internal/domain"
	"pickup/mediator/internal/monitoring"
	"pickup/mediator/internal/storage"
	"pickup/mediator/internal/storage/memory"
	redisstore "pickup/mediator/internal/storage/redis"
)

const requester = "GJ1SzoWzavQYfNL9XkaJdrQejfztN4XqdsiV4ct3LXKL"

// MockQueue 模拟未投递消息存储
type MockQueue struct {
	mock.Mock
}

func (m *MockQueue) AddMessage(ctx context.Context, key string, msg []byte) error {
	args := m.Called(ctx, key, msg)
	return args.Error(0)
}

func (m *MockQueue) HasMessageForKey(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockQueue) MessageCountForKey(ctx context.Context, key string) (int, error) {
	args := m.Called(ctx, key)
	return args.Int(0), args.Error(1)
}

func (m *MockQueue) GetMessagesForKey(ctx context.Context, key string, limit int) ([][]byte, error) {
	args := m.Called(ctx, key, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]byte), args.Error(1)
}

func (m *MockQueue) InspectAllMessagesForKey(ctx context.Context, key string) ([][]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]byte), args.Error(1)
}

func (m *MockQueue) RemoveMessagesForKey(ctx context.Context, key string, ids []string) error {
	args := m.Called(ctx, key, ids)
	return args.Error(0)
}

var _ storage.UndeliveredQueue = (*MockQueue)(nil)

// message 构造入站协议消息
func message(t *testing.T, msgType string, fields map[string]any, returnRoute bool) []byte {
	t.Helper()
	body := map[string]any{"@type": msgType, "@id": "req-" + msgType[len(domain.PickupProtocol)+1:]}
	if returnRoute {
		body["~transport"] = map[string]any{"return_route": "all"}
	}
	for k, v := range fields {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

// stepClock 每次读取前进 1 毫秒，保证入队分值严格递增
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const testTTL = time.Hour

// backends 协议处理器在两种存储上的行为必须一致
var backends = []struct {
	name string
	open func(t *testing.T, clock func() time.Time) storage.UndeliveredQueue
}{
	{
		name: "memory",
		open: func(t *testing.T, clock func() time.Time) storage.UndeliveredQueue {
			store, err := memory.NewStore(storage.WithTTL(testTTL), storage.WithClock(clock))
			require.NoError(t, err)
			return store
		},
	},
	{
		name: "redis",
		open: func(t *testing.T, clock func() time.Time) storage.UndeliveredQueue {
			mr := miniredis.RunT(t)
			rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			q, err := redisstore.NewQueue(rdb, nil, storage.WithTTL(testTTL), storage.WithClock(clock))
			require.NoError(t, err)
			return q
		},
	},
}

type pickupEnv struct {
	svc     *PickupService
	d       *Dispatcher
	store   storage.UndeliveredQueue
	clock   *stepClock
	metrics *monitoring.Metrics
}

// eachBackend 在每种存储上运行同一组断言
func eachBackend(t *testing.T, fn func(t *testing.T, env *pickupEnv)) {
	t.Helper()
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			clock := &stepClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
			store := b.open(t, clock.Now)
			metrics := monitoring.NewMetrics(prometheus.NewRegistry())
			svc := NewPickupService(store, nil, metrics)
			fn(t, &pickupEnv{
				svc:     svc,
				d:       NewDispatcher(Routes(svc), nil, metrics),
				store:   store,
				clock:   clock,
				metrics: metrics,
			})
		})
	}
}

func dispatch(t *testing.T, d *Dispatcher, raw []byte) domain.Reply {
	t.Helper()
	reply, err := d.Dispatch(context.Background(), raw, Receipt{SenderVerkey: requester})
	require.NoError(t, err)
	require.NotNil(t, reply)
	return reply
}

func attachmentContents(t *testing.T, d *domain.Delivery) []string {
	t.Helper()
	out := make([]string, 0, len(d.Attachments))
	for _, a := range d.Attachments {
		content, err := a.Content()
		require.NoError(t, err)
		assert.Equal(t, domain.MessageID(content), a.ID)
		out = append(out, string(content))
	}
	return out
}

func addMessages(t *testing.T, store storage.UndeliveredQueue, key string, msgs ...string) {
	t.Helper()
	for _, m := range msgs {
		require.NoError(t, store.AddMessage(context.Background(), key, []byte(m)))
	}
}

func acknowledge(ids ...string) map[string]any {
	return map[string]any{"message_id_list": ids}
}

func TestPickup_DeliverAcknowledgeDeliver(t *testing.T) {
	eachBackend(t, func(t *testing.T, env *pickupEnv) {
		addMessages(t, env.store, requester, "A", "B", "C")

		reply := dispatch(t, env.d, message(t, domain.TypeDeliveryRequest, map[string]any{"limit": 2}, true))
		delivery, ok := reply.(*domain.Delivery)
		require.True(t, ok, "expected delivery, got %T", reply)
		assert.Equal(t, domain.TypeDelivery, delivery.MessageType())
		assert.Equal(t, []string{"A", "B"}, attachmentContents(t, delivery))

		reply = dispatch(t, env.d, message(t, domain.TypeMessagesReceived, acknowledge(domain.MessageIDString("A")), true))
		status, ok := reply.(*domain.Status)
		require.True(t, ok)
		assert.Equal(t, 2, status.MessageCount)

		reply = dispatch(t, env.d, message(t, domain.TypeDeliveryRequest, map[string]any{"limit": 10}, true))
		delivery, ok = reply.(*domain.Delivery)
		require.True(t, ok)
		assert.Equal(t, []string{"B", "C"}, attachmentContents(t, delivery))
	})
}

func TestPickup_EmptyMailboxReturnsStatus(t *testing.T) {
	eachBackend(t, func(t *testing.T, env *pickupEnv) {
		reply := dispatch(t, env.d, message(t, domain.TypeDeliveryRequest, map[string]any{
			"limit":         5,
			"recipient_key": "K",
		}, true))

		status, ok := reply.(*domain.Status)
		require.True(t, ok, "expected status, got %T", reply)
		assert.Equal(t, "K", status.RecipientKey)
		assert.Zero(t, status.MessageCount)
		require.NotNil(t, status.Thread)
		assert.Equal(t, "req-delivery-request", status.Thread.ThID)
		assert.NotEqual(t, "req-delivery-request", status.ID)
	})
}

func TestPickup_ThreadCorrelation(t *testing.T) {
	eachBackend(t, func(t *testing.T, env *pickupEnv) {
		reply := dispatch(t, env.d, message(t, domain.TypeStatusRequest, map[string]any{
			"~thread": map[string]string{"thid": "thread-1", "pthid": "parent-1"},
		}, true))
		status := reply.(*domain.Status)
		assert.Equal(t, "thread-1", status.Thread.ThID)
		assert.Equal(t, "parent-1", status.Thread.PThID)
	})
}

func TestPickup_AcknowledgeIsIdempotent(t *testing.T) {
	eachBackend(t, func(t *testing.T, env *pickupEnv) {
		addMessages(t, env.store, requester, "A", "B")
		ack := message(t, domain.TypeMessagesReceived, acknowledge(domain.MessageIDString("A")), true)

		for range 2 {
			status := dispatch(t, env.d, ack).(*domain.Status)
			assert.Equal(t, 1, status.MessageCount)
		}
		assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.MessagesRemoved))
	})
}

func TestPickup_RemovedCountIgnoresUnknownIDs(t *testing.T) {
	eachBackend(t, func(t *testing.T, env *pickupEnv) {
		addMessages(t, env.store, requester, "A", "B")
		addMessages(t, env.store, "other", "C")

		status := dispatch(t, env.d, message(t, domain.TypeMessagesReceived, acknowledge(
			domain.MessageIDString("A"),
			domain.MessageIDString("never-queued"),
			domain.MessageIDString("C"),
		), true)).(*domain.Status)

		assert.Equal(t, 1, status.MessageCount)
		assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.MessagesRemoved))

		// 其他邮箱不受影响
		count, err := env.store.MessageCountForKey(context.Background(), "other")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestPickup_ExpiredMessagesAreNotDelivered(t *testing.T) {
	eachBackend(t, func(t *testing.T, env *pickupEnv) {
		addMessages(t, env.store, requester, "old")
		env.clock.Advance(testTTL / 2)
		addMessages(t, env.store, requester, "new")
		env.clock.Advance(testTTL / 2)

		delivery, ok := dispatch(t, env.d, message(t, domain.TypeDeliveryRequest, map[string]any{"limit": 10}, true)).(*domain.Delivery)
		require.True(t, ok)
		assert.Equal(t, []string{"new"}, attachmentContents(t, delivery))

		env.clock.Advance(testTTL)
		status, ok := dispatch(t, env.d, message(t, domain.TypeStatusRequest, nil, true)).(*domain.Status)
		require.True(t, ok)
		assert.Zero(t, status.MessageCount)
	})
}

func TestPickup_ReturnRouteRequired(t *testing.T) {
	eachBackend(t, func(t *testing.T, env *pickupEnv) {
		ctx := context.Background()
		addMessages(t, env.store, requester, "A")

		tests := []struct {
			name string
			raw  []byte
		}{
			{"投递请求", message(t, domain.TypeDeliveryRequest, map[string]any{"limit": 1}, false)},
			{"接收确认", message(t, domain.TypeMessagesReceived, acknowledge(domain.MessageIDString("A")), false)},
			{"状态查询", message(t, domain.TypeStatusRequest, nil, false)},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				reply, err := env.d.Dispatch(ctx, tt.raw, Receipt{SenderVerkey: requester})
				assert.ErrorIs(t, err, domain.ErrProtocolViolation)
				assert.Nil(t, reply)
			})
		}

		count, err := env.store.MessageCountForKey(ctx, requester)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestPickup_ReturnRouteViolationTouchesNoStore(t *testing.T) {
	q := new(MockQueue)
	svc := NewPickupService(q, nil, nil)

	_, err := svc.HandleMessagesReceived(context.Background(), &RequestContext{
		Receipt: Receipt{SenderVerkey: requester},
		Raw:     message(t, domain.TypeMessagesReceived, map[string]any{"message_id_list": []string{"x"}}, false),
	})
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
	q.AssertNotCalled(t, "RemoveMessagesForKey", mock.Anything, mock.Anything, mock.Anything)
	q.AssertNotCalled(t, "MessageCountForKey", mock.Anything, mock.Anything)
}

func TestPickup_MissingSenderVerkey(t *testing.T) {
	q := new(MockQueue)
	d := NewDispatcher(Routes(NewPickupService(q, nil, nil)), nil, nil)

	for _, msgType := range []string{domain.TypeDeliveryRequest, domain.TypeMessagesReceived, domain.TypeStatusRequest} {
		_, err := d.Dispatch(context.Background(),
			message(t, msgType, map[string]any{"limit": 1, "message_id_list": []string{"x"}}, true),
			Receipt{})
		assert.ErrorIs(t, err, domain.ErrUnknownRequester)
		assert.NotErrorIs(t, err, domain.ErrProtocolViolation)
		assert.Equal(t, domain.ProblemUnknownRequester, ProblemFor(err).Description.Code)
	}
	assert.Empty(t, q.Calls)
}

func TestPickup_InvalidLimit(t *testing.T) {
	store, err := memory.NewStore()
	require.NoError(t, err)
	d := NewDispatcher(Routes(NewPickupService(store, nil, nil)), nil, nil)
	for _, limit := range []int{0, -1} {
		_, err := d.Dispatch(context.Background(),
			message(t, domain.TypeDeliveryRequest, map[string]any{"limit": limit}, true),
			Receipt{SenderVerkey: requester})
		assert.ErrorIs(t, err, domain.ErrMalformedMessage)
	}
}

func TestPickup_AcknowledgeEmptyMailbox(t *testing.T) {
	q := new(MockQueue)
	q.On("MessageCountForKey", mock.Anything, requester).Return(0, nil).Once()
	svc := NewPickupService(q, nil, nil)

	reply, err := svc.HandleMessagesReceived(context.Background(), &RequestContext{
		Receipt: Receipt{SenderVerkey: requester},
		Raw:     message(t, domain.TypeMessagesReceived, map[string]any{"message_id_list": []string{"x"}}, true),
	})
	require.NoError(t, err)
	assert.Zero(t, reply.(*domain.Status).MessageCount)
	q.AssertNotCalled(t, "RemoveMessagesForKey", mock.Anything, mock.Anything, mock.Anything)
	q.AssertExpectations(t)
}

func TestPickup_AcknowledgeDeduplicatesIDs(t *testing.T) {
	q := new(MockQueue)
	q.On("MessageCountForKey", mock.Anything, requester).Return(5, nil).Once()
	q.On("RemoveMessagesForKey", mock.Anything, requester, []string{"a", "b"}).Return(nil).Once()
	q.On("MessageCountForKey", mock.Anything, requester).Return(3, nil).Once()
	svc := NewPickupService(q, nil, nil)

	reply, err := svc.HandleMessagesReceived(context.Background(), &RequestContext{
		Receipt: Receipt{SenderVerkey: requester},
		Raw: message(t, domain.TypeMessagesReceived, map[string]any{
			"message_id_list": []string{"a", "b", "a"},
		}, true),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, reply.(*domain.Status).MessageCount)
	q.AssertExpectations(t)
}

func TestPickup_ExpiredBetweenCheckAndFetch(t *testing.T) {
	q := new(MockQueue)
	q.On("HasMessageForKey", mock.Anything, requester).Return(true, nil)
	q.On("GetMessagesForKey", mock.Anything, requester, 3).Return([][]byte{}, nil)
	svc := NewPickupService(q, nil, nil)

	reply, err := svc.HandleDeliveryRequest(context.Background(), &RequestContext{
		Receipt: Receipt{SenderVerkey: requester},
		Raw:     message(t, domain.TypeDeliveryRequest, map[string]any{"limit": 3, "recipient_key": "K"}, true),
	})
	require.NoError(t, err)
	status, ok := reply.(*domain.Status)
	require.True(t, ok)
	assert.Equal(t, "K", status.RecipientKey)
	assert.Zero(t, status.MessageCount)
}

func TestPickup_BackendErrorPropagates(t *testing.T) {
	q := new(MockQueue)
	q.On("MessageCountForKey", mock.Anything, requester).Return(0, storage.ErrBackendUnavailable)
	d := NewDispatcher(Routes(NewPickupService(q, nil, nil)), nil, nil)

	_, err := d.Dispatch(context.Background(), message(t, domain.TypeStatusRequest, nil, true), Receipt{SenderVerkey: requester})
	assert.ErrorIs(t, err, storage.ErrBackendUnavailable)
	assert.False(t, IsClientError(err))
}
