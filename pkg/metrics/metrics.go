package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 幂等请求结果：executed / replayed / in_progress / reclaimed
	IdempotencyRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_idempotency_requests_total",
			Help: "Idempotent publish requests by ledger outcome",
		},
		[]string{"result"},
	)

	// 过期幂等键清理数量
	IdempotencyExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "newsletter_idempotency_expired_total",
			Help: "Idempotency records deleted by the expiration sweeper",
		},
	)

	// 入队的投递任务数
	DeliveryTasksEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "newsletter_delivery_tasks_enqueued_total",
			Help: "Delivery tasks created by newsletter publishes",
		},
	)

	// 投递尝试：sent / failed / invalid_recipient / duplicate
	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_delivery_attempts_total",
			Help: "Delivery task outcomes",
		},
		[]string{"result"},
	)

	// worker 每轮循环结果：task_completed / empty_queue / error
	WorkerIterations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_delivery_worker_iterations_total",
			Help: "Delivery worker loop iterations by outcome",
		},
		[]string{"outcome"},
	)

	// 邮件 API 调用延迟（毫秒）
	EmailSendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "newsletter_email_send_latency_ms",
			Help:    "Email API call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10ms to ~40s
		},
		[]string{"status"},
	)

	// Outbox 事件分发结果
	OutboxDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_dispatched_total",
			Help: "Outbox events handed to the message broker",
		},
		[]string{"result"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// 慢查询计数
	DBSlowQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"operation"},
	)

	// 慢查询耗时（秒）
	DBSlowQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "db_slow_query_duration_seconds",
			Help:    "Duration of slow queries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 100ms to ~12s
		},
	)
)

// IncrementIdempotencyResult 记录幂等请求结果
func IncrementIdempotencyResult(result string) {
	IdempotencyRequests.WithLabelValues(result).Inc()
}

// AddIdempotencyExpired 记录清理的过期键数量
func AddIdempotencyExpired(n int64) {
	IdempotencyExpired.Add(float64(n))
}

// AddDeliveryTasksEnqueued 记录入队任务数
func AddDeliveryTasksEnqueued(n int64) {
	DeliveryTasksEnqueued.Add(float64(n))
}

// IncrementDeliveryAttempt 记录投递结果
func IncrementDeliveryAttempt(result string) {
	DeliveryAttempts.WithLabelValues(result).Inc()
}

// IncrementWorkerIteration 记录 worker 循环结果
func IncrementWorkerIteration(outcome string) {
	WorkerIterations.WithLabelValues(outcome).Inc()
}

// RecordEmailSendLatency 记录邮件 API 调用延迟
func RecordEmailSendLatency(status string, duration time.Duration) {
	EmailSendLatency.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}

// IncrementOutboxDispatched 记录 outbox 事件分发结果
func IncrementOutboxDispatched(result string) {
	OutboxDispatched.WithLabelValues(result).Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(operation string, duration time.Duration) {
	DBSlowQueries.WithLabelValues(operation).Inc()
	DBSlowQueryDuration.Observe(duration.Seconds())
}
