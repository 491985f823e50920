// Package client shapes typed counter, gauge and histogram observations
// into records and hands them to an exporter.
package client

import (
	"github.com/ethpandaops/promagg/internal/record"
)

// Enqueuer accepts records for asynchronous delivery. *exporter.Exporter
// satisfies it.
type Enqueuer interface {
	Enqueue(r record.Record)
}

// Client builds records for one sink. It is safe for concurrent use as
// long as the sink is.
type Client struct {
	sink          Enqueuer
	defaultLabels map[string]string
}

// Option customizes a Client.
type Option func(*Client)

// WithDefaultLabels attaches labels to every record. On a key collision the
// default label wins over the call site.
func WithDefaultLabels(labels map[string]string) Option {
	return func(c *Client) {
		c.defaultLabels = record.MergeLabels(nil, labels)
	}
}

// New creates a Client that reports to sink.
func New(sink Enqueuer, opts ...Option) *Client {
	c := &Client{sink: sink}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Counter reports an increment of a counter.
func (c *Client) Counter(name, help string, value float64, labels map[string]string) {
	c.emit(record.Record{
		Kind:  record.KindCounter,
		Name:  name,
		Help:  help,
		Value: value,
	}, labels)
}

// Gauge reports the current value of a gauge.
func (c *Client) Gauge(name, help string, value float64, labels map[string]string) {
	c.emit(record.Record{
		Kind:  record.KindGauge,
		Name:  name,
		Help:  help,
		Value: value,
	}, labels)
}

// Histogram reports one observation. Nil buckets select
// record.DefaultBuckets.
func (c *Client) Histogram(name, help string, value float64, buckets []float64, labels map[string]string) {
	c.emit(record.Record{
		Kind:    record.KindHistogram,
		Name:    name,
		Help:    help,
		Buckets: buckets,
		Value:   value,
	}, labels)
}

func (c *Client) emit(r record.Record, labels map[string]string) {
	r.Labels = record.MergeLabels(labels, c.defaultLabels)

	c.sink.Enqueue(r)
}
