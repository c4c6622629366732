package txlog

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors updated by a LogicalLog.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Appends stores the total number of records appended.
	Appends prometheus.Counter
	// AppendedBytes stores the total number of frame bytes appended.
	AppendedBytes prometheus.Counter
	// Rotations stores the total number of segment rotations.
	Rotations prometheus.Counter
	// ActiveSegment stores the sequence number of the segment being written.
	ActiveSegment prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Appends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nornicdb",
			Subsystem: "txlog",
			Name:      "appends_total",
			Help:      "Total number of transaction records appended to the log.",
		}),
		AppendedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nornicdb",
			Subsystem: "txlog",
			Name:      "appended_bytes_total",
			Help:      "Total number of bytes appended to the log, framing included.",
		}),
		Rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nornicdb",
			Subsystem: "txlog",
			Name:      "rotations_total",
			Help:      "Total number of segment rotations.",
		}),
		ActiveSegment: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nornicdb",
			Subsystem: "txlog",
			Name:      "active_segment",
			Help:      "Sequence number of the segment currently being written.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Appends, m.AppendedBytes, m.Rotations, m.ActiveSegment)
	}
	return m
}

func (m *Metrics) observeAppend(bytes int64) {
	if m == nil {
		return
	}
	m.Appends.Inc()
	m.AppendedBytes.Add(float64(bytes))
}

func (m *Metrics) observeRotation() {
	if m == nil {
		return
	}
	m.Rotations.Inc()
}

func (m *Metrics) setActive(seq uint64) {
	if m == nil {
		return
	}
	m.ActiveSegment.Set(float64(seq))
}
