package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	toolCallsTotal  *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	compactions     prometheus.Counter
}

// NewPrometheusRecorder creates a recorder whose collectors are registered with reg.
// A nil reg registers with the default registry.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reforge_llm_requests_total",
				Help: "Total number of provider requests by model, provider and status",
			},
			[]string{"model", "provider", "status", "error_type"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reforge_llm_tokens_total",
				Help: "Total number of tokens used in provider requests",
			},
			[]string{"model", "type"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reforge_llm_request_duration_seconds",
				Help:    "Duration of provider requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		toolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reforge_tool_calls_total",
				Help: "Total number of tool executions by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		toolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reforge_tool_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reforge_retries_total",
				Help: "Total number of provider call retries",
			},
			[]string{"model"},
		),
		compactions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "reforge_compactions_total",
				Help: "Total number of context compactions",
			},
		),
	}
}

// ObserveRequest records metrics for a completed provider request.
func (p *PrometheusRecorder) ObserveRequest(r Request) {
	status := statusSuccess
	if !r.Success {
		status = statusError
	}

	p.requestsTotal.WithLabelValues(r.Model, r.Provider, status, r.ErrorType).Inc()

	if r.Success {
		p.tokensTotal.WithLabelValues(r.Model, "input").Add(float64(r.Usage.InputTokens))
		p.tokensTotal.WithLabelValues(r.Model, "output").Add(float64(r.Usage.OutputTokens))
		if r.Usage.CacheReadTokens > 0 {
			p.tokensTotal.WithLabelValues(r.Model, "cache_read").Add(float64(r.Usage.CacheReadTokens))
		}
		if r.Usage.CacheWriteTokens > 0 {
			p.tokensTotal.WithLabelValues(r.Model, "cache_write").Add(float64(r.Usage.CacheWriteTokens))
		}
		if r.Usage.ReasoningTokens > 0 {
			p.tokensTotal.WithLabelValues(r.Model, "reasoning").Add(float64(r.Usage.ReasoningTokens))
		}
	}

	p.requestDuration.WithLabelValues(r.Model).Observe(r.Duration.Seconds())
}

// ObserveTool records one tool execution.
func (p *PrometheusRecorder) ObserveTool(_, tool, outcome string, duration time.Duration) {
	p.toolCallsTotal.WithLabelValues(tool, outcome).Inc()
	p.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// IncRetry counts one retry.
func (p *PrometheusRecorder) IncRetry(model string) {
	p.retriesTotal.WithLabelValues(model).Inc()
}

// IncCompaction counts one compaction.
func (p *PrometheusRecorder) IncCompaction(string) {
	p.compactions.Inc()
}
