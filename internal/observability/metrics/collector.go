package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/netroby/scm-manager/pkg/plugin"
)

// Collector 持有控制台的 Prometheus 指标，使用独立的 registry。
type Collector struct {
	registry *prometheus.Registry

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	reloads           *prometheus.CounterVec
	forwarded         *prometheus.CounterVec
}

// NewCollector 创建一个使用给定命名空间的指标收集器。
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_operations_total",
			Help:      "Total number of plugin lifecycle operations.",
		}, []string{"operation", "outcome"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plugin_operation_duration_seconds",
			Help:      "Duration of plugin lifecycle operations in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"operation"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_overview_reloads_total",
			Help:      "Total number of plugin overview reloads.",
		}, []string{"outcome"}),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_events_forwarded_total",
			Help:      "Total number of lifecycle events handed to a broker.",
		}, []string{"driver", "outcome"}),
	}
	reg.MustRegister(c.operations, c.operationDuration, c.httpRequests, c.httpDuration, c.reloads, c.forwarded)
	return c
}

// Registry 返回底层 registry，便于测试读取。
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler 以 Prometheus 文本格式暴露指标。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// OperationFinished 实现 plugin.Observer。
func (c *Collector) OperationFinished(_ context.Context, outcome plugin.Outcome) {
	c.operations.WithLabelValues(string(outcome.Operation), outcomeLabel(outcome.Err)).Inc()
	c.operationDuration.WithLabelValues(string(outcome.Operation)).Observe(outcome.Duration().Seconds())
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveReload 记录一次插件列表刷新。
func (c *Collector) ObserveReload(err error) {
	c.reloads.WithLabelValues(outcomeLabel(err)).Inc()
}

// ObserveForward 记录一次事件转发。
func (c *Collector) ObserveForward(driver string, err error) {
	c.forwarded.WithLabelValues(driver, outcomeLabel(err)).Inc()
}

func outcomeLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

var _ plugin.Observer = (*Collector)(nil)
