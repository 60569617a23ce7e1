package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	StageSuccess    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_stage_success_total", Help: "Stage executions that advanced the job"}, []string{"stage"})
	StageRetries    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_stage_retries_total", Help: "Stage executions republished for retry"}, []string{"stage"})
	StageFailed     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_stage_failed_total", Help: "Stage executions that exhausted retries"}, []string{"stage"})
	ChunksTotal     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_chunks_emitted_total", Help: "Audio chunks emitted by live ingestion"})
	Reconnects      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_stream_reconnects_total", Help: "Live stream reconnect attempts"})
	WebhookFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_webhook_failures_total", Help: "Terminal result webhook deliveries that failed"})
	QueueDepth      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_queue_depth", Help: "Entries in the executor stream"})
	InFlight        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_inflight", Help: "Messages currently held by stage workers"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			StageSuccess,
			StageRetries,
			StageFailed,
			ChunksTotal,
			Reconnects,
			WebhookFailures,
			QueueDepth,
			InFlight,
		)
	})
	return promhttp.Handler()
}
