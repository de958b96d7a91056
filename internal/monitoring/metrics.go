package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
//
// 每个实例使用独立的注册表，测试中可以重复创建。
// 所有记录方法都允许在 nil 接收者上调用。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// 邮箱指标
	MailboxesCreated prometheus.Counter
	EntriesWritten   prometheus.Counter
	ContentSize      prometheus.Histogram
	ReceivePolls     *prometheus.CounterVec

	// 通知通道指标
	SessionsActive     prometheus.Gauge
	Handshakes         *prometheus.CounterVec
	NotificationsSent  prometheus.Counter
	ProtocolViolations prometheus.Counter

	// 变更信号指标
	SignalWatchesActive prometheus.Gauge

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter

	// 限流指标
	RateLimitBlocks *prometheus.CounterVec

	// 系统指标
	SystemUptime prometheus.Gauge
	startTime    time.Time
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry:  reg,
		startTime: time.Now(),

		// HTTP 请求指标
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipportal_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clipportal_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPRequestSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clipportal_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		HTTPResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clipportal_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		// 邮箱指标
		MailboxesCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "clipportal_mailboxes_created_total",
				Help: "Total number of mailboxes created",
			},
		),

		EntriesWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "clipportal_entries_written_total",
				Help: "Total number of clipboard entries written",
			},
		),

		ContentSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "clipportal_content_size_bytes",
				Help:    "Size of written clipboard content in bytes",
				Buckets: prometheus.ExponentialBuckets(64, 4, 12),
			},
		),

		ReceivePolls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipportal_receive_polls_total",
				Help: "Total number of one-shot receive polls",
			},
			[]string{"result"},
		),

		// 通知通道指标
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "clipportal_sessions_active",
				Help: "Number of live notification sessions",
			},
		),

		Handshakes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipportal_handshakes_total",
				Help: "Total number of notification handshakes by result",
			},
			[]string{"result"},
		),

		NotificationsSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "clipportal_notifications_sent_total",
				Help: "Total number of new-content notifications sent",
			},
		),

		ProtocolViolations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "clipportal_protocol_violations_total",
				Help: "Total number of sessions closed for unexpected client messages",
			},
		),

		// 变更信号指标
		SignalWatchesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "clipportal_signal_watches_active",
				Help: "Number of mailboxes currently watched for changes",
			},
		),

		// 错误指标
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipportal_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "clipportal_panics_total",
				Help: "Total number of panics",
			},
		),

		// 限流指标
		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipportal_rate_limit_blocks_total",
				Help: "Total number of requests rejected by rate limits",
			},
			[]string{"type"},
		),

		// 系统指标
		SystemUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "clipportal_system_uptime_seconds",
				Help: "System uptime in seconds",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration, requestSize, responseSize int64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	m.HTTPRequestSize.WithLabelValues(method, endpoint).Observe(float64(requestSize))
	m.HTTPResponseSize.WithLabelValues(method, endpoint).Observe(float64(responseSize))
}

// RecordMailboxCreated 记录邮箱创建
func (m *Metrics) RecordMailboxCreated() {
	if m == nil {
		return
	}
	m.MailboxesCreated.Inc()
}

// RecordEntryWritten 记录一次内容写入
func (m *Metrics) RecordEntryWritten(size int64) {
	if m == nil {
		return
	}
	m.EntriesWritten.Inc()
	m.ContentSize.Observe(float64(size))
}

// RecordReceivePoll 记录一次轮询结果（new / empty / forbidden / not_found）
func (m *Metrics) RecordReceivePoll(result string) {
	if m == nil {
		return
	}
	m.ReceivePolls.WithLabelValues(result).Inc()
}

// SessionOpened 通知会话建立
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// SessionClosed 通知会话结束
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// RecordHandshake 记录握手结果（ok / forbidden / not_found / timeout / invalid / rejected）
func (m *Metrics) RecordHandshake(result string) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(result).Inc()
}

// RecordNotification 记录一次新内容通知
func (m *Metrics) RecordNotification() {
	if m == nil {
		return
	}
	m.NotificationsSent.Inc()
}

// RecordProtocolViolation 记录协议违规
func (m *Metrics) RecordProtocolViolation() {
	if m == nil {
		return
	}
	m.ProtocolViolations.Inc()
}

// UpdateSignalWatches 更新当前监听的邮箱数量
func (m *Metrics) UpdateSignalWatches(count int) {
	if m == nil {
		return
	}
	m.SignalWatchesActive.Set(float64(count))
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流阻止
func (m *Metrics) RecordRateLimitBlock(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitBlocks.WithLabelValues(limitType).Inc()
}

// UpdateSystemUptime 更新系统运行时间
func (m *Metrics) UpdateSystemUptime() {
	if m == nil {
		return
	}
	m.SystemUptime.Set(time.Since(m.startTime).Seconds())
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
