package exporter

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons reported on RecordsDropped.
const (
	DropOverflow    = "overflow"
	DropStale       = "stale"
	DropWriteFailed = "write_failed"
	DropInvalid     = "invalid"
)

// Metrics exposes Prometheus metrics for exporter health. The exporter
// updates them whether or not they are registered anywhere.
type Metrics struct {
	RecordsEnqueued  prometheus.Counter
	RecordsSent      prometheus.Counter
	RecordsDropped   *prometheus.CounterVec // reason
	DeclarationsSent prometheus.Counter
	ConnectAttempts  *prometheus.CounterVec // result (success/failure)
	TransportErrors  *prometheus.CounterVec // kind (connect/write/timeout)
	Connected        prometheus.Gauge
	QueueLength      prometheus.Gauge
	QueueCapacity    prometheus.Gauge
	LoopRestarts     prometheus.Counter
}

// NewMetrics creates the exporter metrics under the given namespace.
func NewMetrics(namespace string) *Metrics {
	const subsystem = "exporter"

	return &Metrics{
		RecordsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "records_enqueued_total",
			Help:      "Total records accepted by Enqueue.",
		}),
		RecordsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "records_sent_total",
			Help:      "Total value messages written to the aggregator.",
		}),
		RecordsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "records_dropped_total",
				Help:      "Total records discarded without delivery by reason.",
			},
			[]string{"reason"},
		),
		DeclarationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "declarations_sent_total",
			Help:      "Total registration messages written to the aggregator.",
		}),
		ConnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "connect_attempts_total",
				Help:      "Total aggregator connect attempts by result.",
			},
			[]string{"result"},
		),
		TransportErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "transport_errors_total",
				Help:      "Total transport failures by kind.",
			},
			[]string{"kind"},
		),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connected",
			Help:      "Whether the aggregator link is established (1=yes, 0=no).",
		}),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_length",
			Help:      "Records waiting for delivery.",
		}),
		QueueCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_capacity",
			Help:      "Maximum records held before the oldest is evicted.",
		}),
		LoopRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "loop_restarts_total",
			Help:      "Delivery loops restarted after a process identity change.",
		}),
	}
}

// Register adds every exporter metric to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.RecordsEnqueued,
		m.RecordsSent,
		m.RecordsDropped,
		m.DeclarationsSent,
		m.ConnectAttempts,
		m.TransportErrors,
		m.Connected,
		m.QueueLength,
		m.QueueCapacity,
		m.LoopRestarts,
	} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("registering exporter metric: %w", err)
		}
	}

	return nil
}

func (m *Metrics) transportError(err error) {
	var te *TransportError
	if !errors.As(err, &te) {
		return
	}

	m.TransportErrors.WithLabelValues(te.Kind.String()).Inc()
}
