package aggregator

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Line error reasons reported on LineErrors.
const (
	reasonMalformed  = "malformed"
	reasonUndeclared = "undeclared"
	reasonConflict   = "conflict"
	reasonLabels     = "labels"
	reasonValue      = "value"
	reasonTooLong    = "too_long"
)

// Metrics describes the aggregator's own ingest health. They are served
// next to the aggregated metrics.
type Metrics struct {
	Connections prometheus.Gauge
	Lines       *prometheus.CounterVec // kind (registration/value)
	LineErrors  *prometheus.CounterVec // reason
	Families    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	const (
		namespace = "promagg"
		subsystem = "aggregator"
	)

	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections",
			Help:      "Exporter connections currently open.",
		}),
		Lines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "lines_total",
				Help:      "Total wire messages applied by kind.",
			},
			[]string{"kind"},
		),
		LineErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "line_errors_total",
				Help:      "Total wire messages rejected by reason.",
			},
			[]string{"reason"},
		),
		Families: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "families",
			Help:      "Metric names declared by exporters.",
		}),
	}

	reg.MustRegister(m.Connections, m.Lines, m.LineErrors, m.Families)

	return m
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, ErrUndeclared):
		return reasonUndeclared
	case errors.Is(err, ErrConflict):
		return reasonConflict
	case errors.Is(err, ErrLabelMismatch):
		return reasonLabels
	case errors.Is(err, ErrInvalidValue):
		return reasonValue
	default:
		return reasonMalformed
	}
}
