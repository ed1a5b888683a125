package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ItemsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_items_completed_total", Help: "Items processed successfully"})
	ItemsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_items_failed_total", Help: "Items failed permanently"})
	ItemsRetried     = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_items_retried_total", Help: "Items requeued after a transient failure"})
	ItemsReaped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_items_reaped_total", Help: "Stale items reset to pending by the reaper"})
	JobsFinalized    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "batch_jobs_finalized_total", Help: "Jobs moved to a terminal status"}, []string{"status"})
	JobsForceFailed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_jobs_force_failed_total", Help: "Stuck jobs force-failed by the reaper"})
	RefundsIssued    = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_refunds_issued_total", Help: "Credit refunds issued on job completion"})
	RefundErrors     = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_refund_errors_total", Help: "Refund calls that failed"})
	AdminAlerts      = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_admin_alerts_total", Help: "Systemic-failure operator alerts"})
	TickDuration     = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "batch_tick_duration_seconds", Help: "Duration of one cron tick", Buckets: prometheus.ExponentialBuckets(0.1, 2, 12)})
	ItemsInFlight    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "batch_items_inflight", Help: "Items currently being processed"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ItemsCompleted,
			ItemsFailed,
			ItemsRetried,
			ItemsReaped,
			JobsFinalized,
			JobsForceFailed,
			RefundsIssued,
			RefundErrors,
			AdminAlerts,
			TickDuration,
			ItemsInFlight,
		)
	})
	return promhttp.Handler()
}
