package aggregator

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"

	"github.com/ethpandaops/promagg/internal/record"
)

var (
	// ErrMalformed is returned for lines that are not a known message.
	ErrMalformed = errors.New("malformed message")
	// ErrUndeclared is returned for values of a metric never registered.
	ErrUndeclared = errors.New("metric not declared")
	// ErrConflict is returned when a registration disagrees with an
	// earlier one for the same name.
	ErrConflict = errors.New("conflicting declaration")
	// ErrLabelMismatch is returned when a value's label names differ from
	// the declared ones.
	ErrLabelMismatch = errors.New("label names do not match declaration")
	// ErrInvalidValue is returned for values a metric cannot accept.
	ErrInvalidValue = errors.New("invalid value")
)

// message is the union of the registration and value wire messages.
type message struct {
	Name    string            `json:"name"`
	Type    string            `json:"type"`
	Help    string            `json:"help"`
	Buckets []float64         `json:"buckets"`
	Value   *float64          `json:"value"`
	Labels  map[string]string `json:"labels"`
}

// family is one declared metric name and the collector backing it.
type family struct {
	kind       record.Kind
	labelNames []string
	buckets    []float64

	counter   *prometheus.CounterVec
	gauge     *prometheus.GaugeVec
	histogram *prometheus.HistogramVec
}

// store turns wire messages into Prometheus collectors registered on reg.
type store struct {
	reg prometheus.Registerer

	mu       sync.RWMutex
	families map[string]*family
}

func newStore(reg prometheus.Registerer) *store {
	return &store{
		reg:      reg,
		families: make(map[string]*family, 64),
	}
}

func (m *message) isRegistration() bool {
	return m.Type != ""
}

// apply decodes one line and applies it. It reports whether the line was
// a registration.
func (s *store) apply(line []byte) (bool, error) {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		return false, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if msg.Name == "" {
		return false, fmt.Errorf("%w: missing name", ErrMalformed)
	}

	switch {
	case msg.isRegistration():
		return true, s.declare(&msg)
	case msg.Value != nil:
		return false, s.observe(&msg)
	default:
		return false, fmt.Errorf("%w: %q has neither type nor value", ErrMalformed, msg.Name)
	}
}

func (s *store) declare(msg *message) error {
	kind, err := record.ParseKind(msg.Type)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if !model.IsValidMetricName(model.LabelValue(msg.Name)) {
		return fmt.Errorf("%w: invalid metric name %q", ErrMalformed, msg.Name)
	}

	labelNames := record.LabelNames(msg.Labels)

	for _, name := range labelNames {
		if !model.LabelName(name).IsValid() || strings.HasPrefix(name, model.ReservedLabelPrefix) {
			return fmt.Errorf("%w: %q has invalid label name %q", ErrMalformed, msg.Name, name)
		}
	}

	var buckets []float64

	if kind == record.KindHistogram {
		buckets = msg.Buckets
		if len(buckets) == 0 {
			buckets = record.DefaultBuckets
		}

		// client_golang only checks these when the first child is
		// created, and panics.
		if err := (record.Record{Kind: kind, Name: msg.Name, Buckets: buckets}).Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}

		if _, ok := msg.Labels["le"]; ok {
			return fmt.Errorf("%w: histogram %q uses reserved label \"le\"", ErrMalformed, msg.Name)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.families[msg.Name]; ok {
		if existing.kind != kind ||
			!slices.Equal(existing.labelNames, labelNames) ||
			!slices.Equal(existing.buckets, buckets) {
			return fmt.Errorf("%w: %q", ErrConflict, msg.Name)
		}

		return nil
	}

	f, err := s.register(msg, kind, labelNames, buckets)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrConflict, msg.Name, err)
	}

	s.families[msg.Name] = f

	return nil
}

// register builds and registers the collector for a new family.
func (s *store) register(
	msg *message,
	kind record.Kind,
	labelNames []string,
	buckets []float64,
) (*family, error) {
	f := &family{kind: kind, labelNames: labelNames}

	var collector prometheus.Collector

	switch kind {
	case record.KindCounter:
		f.counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: msg.Name,
			Help: msg.Help,
		}, labelNames)
		collector = f.counter
	case record.KindGauge:
		f.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: msg.Name,
			Help: msg.Help,
		}, labelNames)
		collector = f.gauge
	default:
		f.buckets = buckets
		f.histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    msg.Name,
			Help:    msg.Help,
			Buckets: buckets,
		}, labelNames)
		collector = f.histogram
	}

	if err := s.reg.Register(collector); err != nil {
		return nil, err
	}

	return f, nil
}

func (s *store) observe(msg *message) error {
	value := *msg.Value

	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %q is not finite", ErrInvalidValue, msg.Name)
	}

	s.mu.RLock()
	f, ok := s.families[msg.Name]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrUndeclared, msg.Name)
	}

	if !slices.Equal(f.labelNames, record.LabelNames(msg.Labels)) {
		return fmt.Errorf("%w: %q", ErrLabelMismatch, msg.Name)
	}

	labels := prometheus.Labels(msg.Labels)

	switch f.kind {
	case record.KindCounter:
		if value < 0 {
			return fmt.Errorf("%w: counter %q cannot decrease", ErrInvalidValue, msg.Name)
		}

		c, err := f.counter.GetMetricWith(labels)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrLabelMismatch, err)
		}

		c.Add(value)
	case record.KindGauge:
		g, err := f.gauge.GetMetricWith(labels)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrLabelMismatch, err)
		}

		g.Set(value)
	default:
		h, err := f.histogram.GetMetricWith(labels)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrLabelMismatch, err)
		}

		h.Observe(value)
	}

	return nil
}

// len returns the number of declared metric names.
func (s *store) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.families)
}
