package recovery

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors updated by a Controller.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Runs stores the number of recovery runs, partitioned by final state.
	Runs *prometheus.CounterVec
	// ReplayedRecords stores the total number of records replayed into the store.
	ReplayedRecords prometheus.Counter
	// Duration stores how long recovery runs take.
	Duration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nornicdb",
				Subsystem: "recovery",
				Name:      "runs_total",
				Help:      "Total number of recovery runs, partitioned by final state.",
			},
			[]string{
				"state",
			},
		),
		ReplayedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nornicdb",
			Subsystem: "recovery",
			Name:      "replayed_records_total",
			Help:      "Total number of transaction records replayed into the store.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nornicdb",
			Subsystem: "recovery",
			Name:      "duration_seconds",
			Help:      "Time spent in recovery.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Runs, m.ReplayedRecords, m.Duration)
	}
	return m
}

func (m *Metrics) observe(r Result, seconds float64) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(r.State.String()).Inc()
	m.ReplayedRecords.Add(float64(r.Replayed))
	m.Duration.Observe(seconds)
}
