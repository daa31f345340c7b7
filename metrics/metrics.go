// Package metrics 暴露模型调用的 Prometheus 指标。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	llmAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prompt_executor_llm_attempts_total",
		Help: "Model call attempts by tag and outcome.",
	}, []string{"tag", "outcome"})

	llmLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "prompt_executor_llm_attempt_seconds",
		Help:    "Latency of individual model call attempts.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tag"})
)

// ObserveAttempt 记录一次外呼尝试的结果与耗时。
func ObserveAttempt(tag, outcome string, elapsed time.Duration) {
	llmAttempts.WithLabelValues(tag, outcome).Inc()
	llmLatency.WithLabelValues(tag).Observe(elapsed.Seconds())
}

// Handler 返回 /metrics 的 HTTP 处理器。
func Handler() http.Handler {
	return promhttp.Handler()
}
