package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"pickup/mediator/internal/domain"
	"pickup/mediator/internal/envelope"
	"pickup/mediator/internal/monitoring"
	"pickup/mediator/internal/pool"
	"pickup/mediator/internal/storage"
)

// ErrNoTarget 未加密的出站消息没有可用的投递目标
var ErrNoTarget = errors.New("outbound message has no target")

// UndeliverableAdapter 将无法实时投递的出站消息放入接收方邮箱
type UndeliverableAdapter struct {
	queue   storage.UndeliveredQueue
	encoder envelope.Encoder
	pool    *pool.WorkerPool
	log     *zap.Logger
	metrics *monitoring.Metrics
}

// NewUndeliverableAdapter 创建适配器，workers 为 nil 时在调用方协程中同步处理
func NewUndeliverableAdapter(
	queue storage.UndeliveredQueue,
	encoder envelope.Encoder,
	workers *pool.WorkerPool,
	log *zap.Logger,
	metrics *monitoring.Metrics,
) *UndeliverableAdapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &UndeliverableAdapter{
		queue:   queue,
		encoder: encoder,
		pool:    workers,
		log:     log,
		metrics: metrics,
	}
}

// Run 消费事件直到 ctx 结束或通道关闭。单个事件处理失败只记录日志。
func (a *UndeliverableAdapter) Run(ctx context.Context, events <-chan domain.UndeliverableEvent) error {
	if a.pool != nil {
		a.pool.Start(ctx)
		defer a.pool.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			a.dispatch(ctx, ev)
		}
	}
}

func (a *UndeliverableAdapter) dispatch(ctx context.Context, ev domain.UndeliverableEvent) {
	if a.pool == nil {
		a.handleLogged(ctx, ev)
		return
	}
	err := a.pool.Submit(ctx, func(ctx context.Context) {
		a.handleLogged(ctx, ev)
	})
	if err != nil {
		a.metrics.RecordUndeliverable(monitoring.OutcomeError)
		a.log.Error("failed to schedule undeliverable event", zap.Error(err))
	}
}

func (a *UndeliverableAdapter) handleLogged(ctx context.Context, ev domain.UndeliverableEvent) {
	if err := a.Handle(ctx, ev); err != nil {
		a.log.Error("failed to queue undeliverable message", zap.Error(err))
	}
}

// Handle 处理单个事件：必要时先打包，再按信封中的每个接收方入队
func (a *UndeliverableAdapter) Handle(ctx context.Context, ev domain.UndeliverableEvent) error {
	if ev.Topic != "" && ev.Topic != domain.UndeliverableTopic {
		a.log.Debug("ignoring event", zap.String("topic", ev.Topic))
		return nil
	}

	enc, err := a.encode(ctx, ev.Outbound)
	if err != nil {
		a.metrics.RecordUndeliverable(monitoring.OutcomeError)
		return err
	}

	keys, err := envelope.RecipientKeys(enc)
	if err != nil {
		a.metrics.RecordUndeliverable(monitoring.OutcomeRejected)
		return err
	}

	var errs []error
	for _, key := range keys {
		if err := a.queue.AddMessage(ctx, key, enc); err != nil {
			errs = append(errs, fmt.Errorf("queue message for %s: %w", key, err))
			continue
		}
		a.metrics.RecordEnqueued(1)
		a.log.Debug("queued undeliverable message",
			zap.String("recipient_key", key),
			zap.String("message_id", domain.MessageID(enc)),
		)
	}
	if err := errors.Join(errs...); err != nil {
		a.metrics.RecordUndeliverable(monitoring.OutcomeError)
		return err
	}

	a.metrics.RecordUndeliverable(monitoring.OutcomeOK)
	return nil
}

// encode 返回出站消息的加密信封
func (a *UndeliverableAdapter) encode(ctx context.Context, out domain.OutboundMessage) ([]byte, error) {
	if out.EncPayload != "" {
		return []byte(out.EncPayload), nil
	}
	if len(out.Targets) == 0 || len(out.Targets[0].RecipientKeys) == 0 {
		return nil, ErrNoTarget
	}
	target := out.Targets[0]
	enc, err := a.encoder.Pack(ctx, []byte(out.Payload), target.RecipientKeys, target.RoutingKeys, target.SenderKey)
	if err != nil {
		return nil, fmt.Errorf("pack outbound message: %w", err)
	}
	return enc, nil
}
