package keyflow

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine-level instruments. Pass a registerer to
// expose them; with a nil registerer the instruments still work but are
// not collected, which keeps instrumentation unconditional in the hot
// path.
type Metrics struct {
	RecordsProcessed *prometheus.CounterVec
	RecordsDropped   *prometheus.CounterVec
	DeadLetters      *prometheus.CounterVec
	ProcessDuration  *prometheus.HistogramVec
	AsyncInFlight    *prometheus.GaugeVec
	JobState         prometheus.Gauge
}

// NewMetrics builds the engine instruments and registers them with reg
// when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keyflow",
				Subsystem: "engine",
				Name:      "records_processed_total",
				Help:      "Records dispatched successfully, per node",
			},
			[]string{"node"},
		),
		RecordsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keyflow",
				Subsystem: "engine",
				Name:      "records_dropped_total",
				Help:      "Records skipped by the error handler, per node and error class",
			},
			[]string{"node", "class"},
		),
		DeadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keyflow",
				Subsystem: "engine",
				Name:      "dead_letters_total",
				Help:      "Records handed to the dead-letter drain, per node",
			},
			[]string{"node"},
		),
		ProcessDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "keyflow",
				Subsystem: "engine",
				Name:      "process_duration_seconds",
				Help:      "Record dispatch duration, per node",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"node"},
		),
		AsyncInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "keyflow",
				Subsystem: "engine",
				Name:      "async_in_flight",
				Help:      "Outstanding async requests, per node",
			},
			[]string{"node"},
		),
		JobState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "keyflow",
				Subsystem: "job",
				Name:      "state",
				Help:      "Job lifecycle state (0=created, 1=running, 2=cancelling, 3=completed, 4=cancelled, 5=failed)",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.RecordsProcessed,
			m.RecordsDropped,
			m.DeadLetters,
			m.ProcessDuration,
			m.AsyncInFlight,
			m.JobState,
		)
	}
	return m
}
