package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"pickup/mediator/internal/domain"
	"pickup/mediator/internal/monitoring"
	"pickup/mediator/internal/storage"
)

// ErrUnknownMessageType 没有为该消息类型注册处理函数
var ErrUnknownMessageType = errors.New("unknown message type")

// Dispatcher 按 @type 将入站协议消息分发给处理函数
type Dispatcher struct {
	routes  map[string]HandlerFunc
	log     *zap.Logger
	metrics *monitoring.Metrics
}

// NewDispatcher 创建分发器，routes 在创建后不再修改
func NewDispatcher(routes map[string]HandlerFunc, log *zap.Logger, metrics *monitoring.Metrics) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	table := make(map[string]HandlerFunc, len(routes))
	for msgType, h := range routes {
		table[msgType] = h
	}
	return &Dispatcher{routes: table, log: log, metrics: metrics}
}

// Handles 是否注册了该消息类型
func (d *Dispatcher) Handles(msgType string) bool {
	_, ok := d.routes[msgType]
	return ok
}

// Dispatch 解析消息头部并调用对应处理函数
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte, receipt Receipt) (domain.Reply, error) {
	header, err := domain.ParseHeader(raw)
	if err != nil {
		d.metrics.RecordProtocolRequest("unknown", monitoring.OutcomeRejected)
		return nil, err
	}

	handler, ok := d.routes[header.Type]
	if !ok {
		d.metrics.RecordProtocolRequest("unknown", monitoring.OutcomeRejected)
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, header.Type)
	}

	reply, err := handler(ctx, &RequestContext{Receipt: receipt, Header: header, Raw: raw})
	if err != nil {
		outcome := monitoring.OutcomeError
		if IsClientError(err) {
			outcome = monitoring.OutcomeRejected
		}
		d.metrics.RecordProtocolRequest(header.Type, outcome)
		d.log.Warn("protocol request failed",
			zap.String("type", header.Type),
			zap.String("id", header.ID),
			zap.String("sender_verkey", receipt.SenderVerkey),
			zap.Error(err),
		)
		return nil, err
	}

	d.metrics.RecordProtocolRequest(header.Type, monitoring.OutcomeOK)
	return reply, nil
}

// IsClientError 错误是否由请求本身引起
func IsClientError(err error) bool {
	return errors.Is(err, domain.ErrMalformedMessage) ||
		errors.Is(err, domain.ErrProtocolViolation) ||
		errors.Is(err, domain.ErrUnknownRequester) ||
		errors.Is(err, ErrUnknownMessageType)
}

// ProblemFor 将处理错误转换为问题报告
func ProblemFor(err error) *domain.ProblemReport {
	switch {
	case errors.Is(err, domain.ErrMalformedMessage):
		return domain.NewProblemReport(domain.ProblemMalformed, err.Error())
	case errors.Is(err, domain.ErrProtocolViolation):
		return domain.NewProblemReport(domain.ProblemReturnRoute, err.Error())
	case errors.Is(err, domain.ErrUnknownRequester):
		return domain.NewProblemReport(domain.ProblemUnknownRequester, err.Error())
	case errors.Is(err, ErrUnknownMessageType):
		return domain.NewProblemReport(domain.ProblemUnsupportedType, err.Error())
	case errors.Is(err, storage.ErrBackendUnavailable):
		return domain.NewProblemReport(domain.ProblemServiceUnavailable, "mailbox storage is unavailable")
	default:
		return domain.NewProblemReport(domain.ProblemInternal, "internal error")
	}
}
