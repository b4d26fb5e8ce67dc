package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 事件总线指标
	eventsTotal *prometheus.CounterVec

	// 工作流指标
	workflowTransitions *prometheus.CounterVec
	workflowTimeouts    *prometheus.CounterVec

	// 任务队列指标
	tasksEnqueued *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	leaseExpiries *prometheus.CounterVec

	// 交接指标
	handoffsInitiated *prometheus.CounterVec
	handoffOutcomes   *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 事件总线指标
	c.eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of coordination events observed on the bus",
		},
		[]string{"kind"},
	)

	// 工作流指标
	c.workflowTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_transitions_total",
			Help:      "Total number of workflow state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	c.workflowTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_timeouts_total",
			Help:      "Total number of workflow state timeouts",
		},
		[]string{"state"},
	)

	// 任务队列指标
	c.tasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_enqueued_total",
			Help:      "Total number of tasks enqueued",
		},
		[]string{"kind"},
	)

	c.tasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Total number of task completions by outcome",
		},
		[]string{"kind", "outcome"}, // outcome: completed, retried, dead
	)

	c.leaseExpiries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_expiries_total",
			Help:      "Total number of expired task leases by disposition",
		},
		[]string{"disposition"}, // disposition: requeued, failed
	)

	// 交接指标
	c.handoffsInitiated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_initiated_total",
			Help:      "Total number of agent handoffs initiated",
		},
		[]string{"from_agent", "to_agent"},
	)

	c.handoffOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_outcomes_total",
			Help:      "Total number of resolved handoffs by outcome",
		},
		[]string{"outcome"}, // outcome: accepted, rejected, timeout
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 📨 事件指标记录
// =============================================================================

// RecordEvent 记录一条总线事件
func (c *Collector) RecordEvent(kind string) {
	c.eventsTotal.WithLabelValues(kind).Inc()
}

// =============================================================================
// 🔀 工作流指标记录
// =============================================================================

// RecordStateTransition 记录工作流状态转换
func (c *Collector) RecordStateTransition(fromState, toState string) {
	c.workflowTransitions.WithLabelValues(fromState, toState).Inc()
}

// RecordWorkflowTimeout 记录工作流状态超时
func (c *Collector) RecordWorkflowTimeout(state string) {
	c.workflowTimeouts.WithLabelValues(state).Inc()
}

// =============================================================================
// 📋 任务队列指标记录
// =============================================================================

// RecordTaskEnqueued 记录任务入队
func (c *Collector) RecordTaskEnqueued(kind string) {
	c.tasksEnqueued.WithLabelValues(kind).Inc()
}

// RecordTaskFinished 记录任务完结（completed/retried/dead）
func (c *Collector) RecordTaskFinished(kind, outcome string) {
	c.tasksFinished.WithLabelValues(kind, outcome).Inc()
}

// RecordLeaseExpiries 记录一次清扫中过期的租约数
func (c *Collector) RecordLeaseExpiries(disposition string, n int) {
	if n <= 0 {
		return
	}
	c.leaseExpiries.WithLabelValues(disposition).Add(float64(n))
}

// =============================================================================
// 🤝 交接指标记录
// =============================================================================

// RecordHandoffInitiated 记录交接发起
func (c *Collector) RecordHandoffInitiated(fromAgent, toAgent string) {
	c.handoffsInitiated.WithLabelValues(fromAgent, toAgent).Inc()
}

// RecordHandoffOutcome 记录交接结果（accepted/rejected/timeout）
func (c *Collector) RecordHandoffOutcome(outcome string) {
	c.handoffOutcomes.WithLabelValues(outcome).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
