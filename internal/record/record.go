// Package record defines the metric observations carried by the exporter
// and their line-oriented JSON wire encoding.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
)

// Kind is the metric type of a record.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindCounter
	KindGauge
	KindHistogram
)

// DefaultBuckets are the histogram upper bounds used when a histogram
// record carries none.
var DefaultBuckets = []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10}

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	case KindHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// ParseKind maps a wire type name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "counter":
		return KindCounter, nil
	case "gauge":
		return KindGauge, nil
	case "histogram":
		return KindHistogram, nil
	default:
		return KindUnknown, fmt.Errorf("unknown metric type %q", s)
	}
}

// Record is a single metric observation plus the metadata needed to
// declare its series. Records are values; the exporter never mutates one
// after Enqueue.
type Record struct {
	Kind    Kind
	Name    string
	Help    string
	Buckets []float64
	Value   float64
	Labels  map[string]string
}

// Declaration is a Record without its value. Two records with equal
// declarations belong to the same time series.
type Declaration struct {
	Kind    Kind
	Name    string
	Help    string
	Buckets []float64
	Labels  map[string]string
}

// Clone returns a copy of the record that shares no memory with r.
func (r Record) Clone() Record {
	r.Buckets = slices.Clone(r.Buckets)
	if r.Labels != nil {
		r.Labels = MergeLabels(nil, r.Labels)
	}

	return r
}

// Validate reports whether the record can be declared to an aggregator.
func (r Record) Validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}

	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return fmt.Errorf("metric %q value %v is not finite", r.Name, r.Value)
	}

	switch r.Kind {
	case KindCounter, KindGauge:
		if len(r.Buckets) > 0 {
			return fmt.Errorf("%s %q must not carry buckets", r.Kind, r.Name)
		}
	case KindHistogram:
		for i, b := range r.Buckets {
			if b <= 0 {
				return fmt.Errorf("histogram %q bucket %v is not positive", r.Name, b)
			}

			if i > 0 && b <= r.Buckets[i-1] {
				return fmt.Errorf("histogram %q buckets are not ascending", r.Name)
			}
		}
	default:
		return fmt.Errorf("metric %q has unknown kind", r.Name)
	}

	return nil
}

// Declaration strips the value from the record. Histograms without
// buckets are declared with DefaultBuckets.
func (r Record) Declaration() Declaration {
	d := Declaration{
		Kind:   r.Kind,
		Name:   r.Name,
		Help:   r.Help,
		Labels: r.Labels,
	}

	if r.Kind == KindHistogram {
		d.Buckets = r.Buckets
		if len(d.Buckets) == 0 {
			d.Buckets = DefaultBuckets
		}
	}

	return d
}

// RegistrationMessage is the wire form of a Declaration.
type RegistrationMessage struct {
	Name    string            `json:"name"`
	Type    string            `json:"type"`
	Help    string            `json:"help"`
	Buckets []float64         `json:"buckets,omitempty"`
	Labels  map[string]string `json:"labels"`
}

// ValueMessage is the wire form of an observation.
type ValueMessage struct {
	Name   string            `json:"name"`
	Value  float64           `json:"value"`
	Labels map[string]string `json:"labels"`
}

// Message converts the declaration into its wire form.
func (d Declaration) Message() RegistrationMessage {
	return RegistrationMessage{
		Name:    d.Name,
		Type:    d.Kind.String(),
		Help:    d.Help,
		Buckets: d.Buckets,
		Labels:  nonNilLabels(d.Labels),
	}
}

// Marshal encodes the registration line without the trailing newline.
// encoding/json emits struct fields in declaration order and map keys
// sorted, so the encoding is canonical: structurally equal declarations
// produce identical bytes regardless of label insertion order.
func (d Declaration) Marshal() ([]byte, error) {
	b, err := json.Marshal(d.Message())
	if err != nil {
		return nil, fmt.Errorf("encoding declaration %q: %w", d.Name, err)
	}

	return b, nil
}

// Fingerprint returns the canonical identity of the declaration.
func (d Declaration) Fingerprint() (string, error) {
	b, err := d.Marshal()
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// MarshalValue encodes the value line for the record without the trailing
// newline.
func (r Record) MarshalValue() ([]byte, error) {
	b, err := json.Marshal(ValueMessage{
		Name:   r.Name,
		Value:  r.Value,
		Labels: nonNilLabels(r.Labels),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding value of %q: %w", r.Name, err)
	}

	return b, nil
}

// LabelNames returns the label keys in sorted order.
func LabelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}

	sort.Strings(names)

	return names
}

// MergeLabels returns a new map with base overlaid by override.
func MergeLabels(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))

	for k, v := range base {
		out[k] = v
	}

	for k, v := range override {
		out[k] = v
	}

	return out
}

// The wire contract always carries a labels object, never null.
func nonNilLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return map[string]string{}
	}

	return labels
}
