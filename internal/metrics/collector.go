// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。同时满足 federation.Metrics 与 site.Metrics。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 编排指标
	transitionsTotal     *prometheus.CounterVec
	collectDuration      prometheus.Histogram
	collectOrganizations *prometheus.GaugeVec

	// 站点指标
	siteExecutionsTotal   *prometheus.CounterVec
	siteExecutionDuration *prometheus.HistogramVec
	suppressedCells       prometheus.Counter

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，指标注册到默认 Registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
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

	// 编排指标
	c.transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "status_transitions_total",
			Help:      "Organization status transitions",
		},
		[]string{"from", "to"},
	)

	c.collectDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "collect_duration_seconds",
			Help:      "Time from collect start until every organization reached a terminal state",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		},
	)

	c.collectOrganizations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "last_collect_organizations",
			Help:      "Organizations targeted and completed in the last collect",
		},
		[]string{"outcome"},
	)

	// 站点指标
	c.siteExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "site",
			Name:      "executions_total",
			Help:      "Site-local task executions",
		},
		[]string{"status"},
	)

	c.siteExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "site",
			Name:      "execution_duration_seconds",
			Help:      "Site-local execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"status"},
	)

	c.suppressedCells = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "site",
			Name:      "suppressed_cells_total",
			Help:      "Count cells replaced by the suppression sentinel before leaving the site",
		},
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
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
// 🛰️ 编排指标记录
// =============================================================================

// RecordTransition 记录组织状态迁移；from 为空表示首次派发
func (c *Collector) RecordTransition(from, to string) {
	if from == "" {
		from = "none"
	}
	c.transitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordCollect 记录一次收集的耗时与完成情况
func (c *Collector) RecordCollect(duration time.Duration, organizations, completed int) {
	c.collectDuration.Observe(duration.Seconds())
	c.collectOrganizations.WithLabelValues("targeted").Set(float64(organizations))
	c.collectOrganizations.WithLabelValues("completed").Set(float64(completed))
}

// =============================================================================
// 🏥 站点指标记录
// =============================================================================

// RecordSiteExecution 记录站点执行
func (c *Collector) RecordSiteExecution(status string, duration time.Duration) {
	c.siteExecutionsTotal.WithLabelValues(status).Inc()
	c.siteExecutionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordSuppressedCells 记录被抑制的格子数
func (c *Collector) RecordSuppressedCells(n int) {
	if n > 0 {
		c.suppressedCells.Add(float64(n))
	}
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码归类为 2xx/3xx/4xx/5xx
func statusCode(code int) string {
	if code < 200 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
