// Package metrics exposes Prometheus metrics for dispatch runs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the dispatcher.
type Metrics struct {
	// Send outcomes
	MessagesSentTotal   prometheus.Counter
	MessagesFailedTotal *prometheus.CounterVec
	CodesIssuedTotal    prometheus.Counter
	JobsScheduledTotal  prometheus.Counter

	// Run state gauges
	RunActive          prometheus.Gauge
	RunProgressPercent prometheus.Gauge
	BatchCurrent       prometheus.Gauge
	BatchTotal         prometheus.Gauge

	// Timing
	SendDurationSeconds prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "disparo_messages_sent_total",
			Help: "Total number of messages accepted by the delivery gateway",
		}),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "disparo_messages_failed_total",
				Help: "Total number of per-recipient send failures",
			},
			[]string{"reason"},
		),
		CodesIssuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "disparo_codes_issued_total",
			Help: "Total number of verification codes minted",
		}),
		JobsScheduledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "disparo_jobs_scheduled_total",
			Help: "Total number of deferred jobs handed to the scheduler outbox",
		}),
		RunActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "disparo_run_active",
			Help: "Whether a dispatch run is currently active (1) or not (0)",
		}),
		RunProgressPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "disparo_run_progress_percent",
			Help: "Progress of the active run in percent",
		}),
		BatchCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "disparo_batch_current",
			Help: "1-based index of the batch currently being processed",
		}),
		BatchTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "disparo_batch_total",
			Help: "Total number of batches in the active run",
		}),
		SendDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "disparo_send_duration_seconds",
			Help:    "Duration of individual gateway send calls",
			Buckets: prometheus.DefBuckets,
		}),
		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.CodesIssuedTotal,
		m.JobsScheduledTotal,
		m.RunActive,
		m.RunProgressPercent,
		m.BatchCurrent,
		m.BatchTotal,
		m.SendDurationSeconds,
	)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
