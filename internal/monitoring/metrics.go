package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 结果标签取值
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Metrics 监控指标
type Metrics struct {
	gatherer prometheus.Gatherer

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 邮箱指标
	MessagesEnqueued  prometheus.Counter
	MessagesDelivered prometheus.Counter
	MessagesRemoved   prometheus.Counter
	MessagesExpired   prometheus.Counter

	// 协议指标
	ProtocolRequests    *prometheus.CounterVec
	UndeliverableEvents *prometheus.CounterVec

	// 连接指标
	SessionsActive prometheus.Gauge

	// 错误指标
	PanicsTotal     prometheus.Counter
	RateLimitBlocks prometheus.Counter
}

// NewMetrics 创建监控指标并注册到 reg。
// reg 为 nil 时使用新的独立注册表。
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pickup_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pickup_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		MessagesEnqueued: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pickup_messages_enqueued_total",
				Help: "Total number of messages added to a mailbox",
			},
		),

		MessagesDelivered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pickup_messages_delivered_total",
				Help: "Total number of messages attached to delivery replies",
			},
		),

		MessagesRemoved: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pickup_messages_removed_total",
				Help: "Total number of message ids acknowledged for removal",
			},
		),

		MessagesExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pickup_messages_expired_total",
				Help: "Total number of messages dropped by the expiry sweep",
			},
		),

		ProtocolRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pickup_protocol_requests_total",
				Help: "Total number of pickup protocol requests",
			},
			[]string{"type", "outcome"},
		),

		UndeliverableEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pickup_undeliverable_events_total",
				Help: "Total number of undeliverable outbound events handled",
			},
			[]string{"outcome"},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pickup_sessions_active",
				Help: "Number of open return-route websocket sessions",
			},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pickup_panics_total",
				Help: "Total number of panics",
			},
		),

		RateLimitBlocks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pickup_rate_limit_blocks_total",
				Help: "Total number of requests rejected by the rate limiter",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordEnqueued 记录入队
func (m *Metrics) RecordEnqueued(n int) {
	if m == nil {
		return
	}
	m.MessagesEnqueued.Add(float64(n))
}

// RecordDelivered 记录投递
func (m *Metrics) RecordDelivered(n int) {
	if m == nil {
		return
	}
	m.MessagesDelivered.Add(float64(n))
}

// RecordRemoved 记录确认删除
func (m *Metrics) RecordRemoved(n int) {
	if m == nil {
		return
	}
	m.MessagesRemoved.Add(float64(n))
}

// RecordExpired 记录过期清理
func (m *Metrics) RecordExpired(n int) {
	if m == nil {
		return
	}
	m.MessagesExpired.Add(float64(n))
}

// RecordProtocolRequest 记录协议请求
func (m *Metrics) RecordProtocolRequest(msgType, outcome string) {
	if m == nil {
		return
	}
	m.ProtocolRequests.WithLabelValues(msgType, outcome).Inc()
}

// RecordUndeliverable 记录未投递事件处理结果
func (m *Metrics) RecordUndeliverable(outcome string) {
	if m == nil {
		return
	}
	m.UndeliverableEvents.WithLabelValues(outcome).Inc()
}

// SetSessionsActive 更新活跃会话数
func (m *Metrics) SetSessionsActive(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流阻止
func (m *Metrics) RecordRateLimitBlock() {
	if m == nil {
		return
	}
	m.RateLimitBlocks.Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
