package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	DispatchesEnqueued  = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_jobs_enqueued_total", Help: "Dispatch jobs accepted via the API"})
	DispatchesCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_jobs_completed_total", Help: "Dispatch jobs fully expanded"})
	DispatchesFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_jobs_failed_total", Help: "Dispatch jobs failed permanently"})
	MessagesIssued      = prometheus.NewCounter(prometheus.CounterOpts{Name: "message_jobs_issued_total", Help: "Message jobs created by dispatch expansion"})
	MessagesSent        = prometheus.NewCounter(prometheus.CounterOpts{Name: "messages_sent_total", Help: "Messages delivered"})
	MessagesDead        = prometheus.NewCounter(prometheus.CounterOpts{Name: "messages_failed_total", Help: "Message jobs failed after exhausting retries"})
	MessagesDropped     = prometheus.NewCounter(prometheus.CounterOpts{Name: "messages_dropped_total", Help: "Message jobs dropped because their dispatch failed or was cancelled"})
	SendFailures        = prometheus.NewCounter(prometheus.CounterOpts{Name: "send_failures_total", Help: "Individual send attempts that failed"})
	JobRetries          = prometheus.NewCounter(prometheus.CounterOpts{Name: "job_retries_total", Help: "Jobs re-enqueued for retry"})
	TickErrors          = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_tick_errors_total", Help: "Scheduler ticks abandoned on store errors"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "rate_limit_rejects_total", Help: "Enqueue requests rejected by the rate limiter"})
	DispatchDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_queue_depth", Help: "Waiting dispatch jobs across priorities"})
	MessageDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "message_queue_depth", Help: "Waiting message jobs across priorities"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently processing"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			DispatchesEnqueued,
			DispatchesCompleted,
			DispatchesFailed,
			MessagesIssued,
			MessagesSent,
			MessagesDead,
			MessagesDropped,
			SendFailures,
			JobRetries,
			TickErrors,
			RateLimitRejects,
			DispatchDepthGauge,
			MessageDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
