package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 分发结果标签
const (
	DispatchOK      = "ok"
	DispatchFailed  = "failed"
	DispatchSkipped = "skipped" // 熔断器打开
	DispatchDropped = "dropped" // 队列已满
)

// Ack 结果标签
const (
	AckOK       = "ok"
	AckConflict = "conflict"
	AckNotFound = "not_found"
)

// SMTP 投递结果标签
const (
	SMTPAccepted = "accepted"
	SMTPRejected = "rejected"
	SMTPFailed   = "failed"
)

// Metrics 监控指标
//
// 所有记录方法对 nil 接收者安全，未启用监控时可直接传 nil
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// 接收指标
	MessagesIngested *prometheus.CounterVec
	IngestErrors     *prometheus.CounterVec
	IngestDuration   prometheus.Histogram
	AttachmentsTotal *prometheus.CounterVec
	AttachmentSize   *prometheus.HistogramVec

	// 认领指标
	UnclaimedServed prometheus.Counter
	AcksTotal       *prometheus.CounterVec
	MessagesTotal   prometheus.Gauge
	UnclaimedTotal  prometheus.Gauge

	// 分发指标
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	// 通知指标
	StreamClients prometheus.Gauge
	SMTPMessages  *prometheus.CounterVec

	// 错误指标
	PanicsTotal     prometheus.Counter
	RateLimitBlocks *prometheus.CounterVec
}

// NewMetrics 在独立的注册表上创建监控指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inboxd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inboxd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPRequestSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inboxd_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		HTTPResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inboxd_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		MessagesIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inboxd_messages_ingested_total",
				Help: "Total number of stored messages",
			},
			[]string{"type", "source"},
		),

		IngestErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inboxd_ingest_errors_total",
				Help: "Total number of rejected or failed ingests",
			},
			[]string{"class"},
		),

		IngestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "inboxd_ingest_duration_seconds",
				Help:    "Time spent storing a message including attachments",
				Buckets: prometheus.DefBuckets,
			},
		),

		AttachmentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inboxd_attachments_stored_total",
				Help: "Total number of materialized attachments",
			},
			[]string{"source"},
		),

		AttachmentSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inboxd_attachment_size_bytes",
				Help:    "Attachment size in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 2, 20),
			},
			[]string{"source"},
		),

		UnclaimedServed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "inboxd_unclaimed_served_total",
				Help: "Total number of unclaimed messages returned to consumers",
			},
		),

		AcksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inboxd_acks_total",
				Help: "Total number of ack attempts by result",
			},
			[]string{"result"},
		),

		MessagesTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "inboxd_messages",
				Help: "Number of indexed messages",
			},
		),

		UnclaimedTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "inboxd_messages_unclaimed",
				Help: "Number of indexed messages without a claim",
			},
		),

		DispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inboxd_dispatch_total",
				Help: "Total number of sorter executions by kind and result",
			},
			[]string{"kind", "result"},
		),

		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inboxd_dispatch_duration_seconds",
				Help:    "Sorter execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),

		StreamClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "inboxd_stream_clients",
				Help: "Number of connected websocket clients",
			},
		),

		SMTPMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inboxd_smtp_messages_total",
				Help: "Total number of SMTP messages by result",
			},
			[]string{"result"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "inboxd_panics_total",
				Help: "Total number of recovered panics",
			},
		),

		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inboxd_rate_limit_blocks_total",
				Help: "Total number of rate limited requests",
			},
			[]string{"type"},
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

// RecordIngest 记录一次成功的接收
func (m *Metrics) RecordIngest(msgType, source string, duration time.Duration) {
	if m == nil {
		return
	}
	m.MessagesIngested.WithLabelValues(msgType, source).Inc()
	m.IngestDuration.Observe(duration.Seconds())
}

// RecordIngestError 记录接收失败，class 为 validation 或 storage
func (m *Metrics) RecordIngestError(class string) {
	if m == nil {
		return
	}
	m.IngestErrors.WithLabelValues(class).Inc()
}

// RecordAttachment 记录附件落盘
func (m *Metrics) RecordAttachment(source string, size int64) {
	if m == nil {
		return
	}
	m.AttachmentsTotal.WithLabelValues(source).Inc()
	m.AttachmentSize.WithLabelValues(source).Observe(float64(size))
}

// RecordUnclaimedServed 记录返回给消费者的未认领条目数
func (m *Metrics) RecordUnclaimedServed(n int) {
	if m == nil {
		return
	}
	m.UnclaimedServed.Add(float64(n))
}

// RecordAck 记录认领结果
func (m *Metrics) RecordAck(result string) {
	if m == nil {
		return
	}
	m.AcksTotal.WithLabelValues(result).Inc()
}

// UpdateMessageCounts 更新条目总数和未认领数
func (m *Metrics) UpdateMessageCounts(total, unclaimed int64) {
	if m == nil {
		return
	}
	m.MessagesTotal.Set(float64(total))
	m.UnclaimedTotal.Set(float64(unclaimed))
}

// RecordDispatch 记录一次分发
func (m *Metrics) RecordDispatch(kind, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(kind, result).Inc()
	if duration > 0 {
		m.DispatchDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// UpdateStreamClients 更新 websocket 连接数
func (m *Metrics) UpdateStreamClients(count int) {
	if m == nil {
		return
	}
	m.StreamClients.Set(float64(count))
}

// RecordSMTPMessage 记录 SMTP 投递结果
func (m *Metrics) RecordSMTPMessage(result string) {
	if m == nil {
		return
	}
	m.SMTPMessages.WithLabelValues(result).Inc()
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

// Registry 指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回 Prometheus HTTP 处理器
//
// 同时导出默认注册表，其中包含 Go 运行时指标和 gorm 连接池指标
func (m *Metrics) HTTPHandler() http.Handler {
	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer, m.registry}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}
