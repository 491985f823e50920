// Package exporter forwards metric records to an out-of-process
// aggregator over a persistent line-oriented JSON link.
//
// Producers call Enqueue from any goroutine; it only takes the queue lock
// and never waits on the network. A single background delivery loop owns
// the connection, declares each series once per connection and writes
// values in FIFO order. Delivery is at most once: records are dropped when
// the queue overflows, when they grow stale, or when a write fails.
package exporter

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/promagg/internal/record"
)

// Exporter buffers records and delivers them in the background.
type Exporter struct {
	log       logrus.FieldLogger
	cfg       Config
	tlsConfig *tls.Config
	metrics   *Metrics
	queue     *boundedQueue
	now       func() time.Time
	identity  func() int
	wake      chan struct{}

	mu      sync.Mutex
	stopped bool
	loop    atomic.Pointer[deliveryLoop]
}

// Option customizes an Exporter.
type Option func(*Exporter)

// WithMetrics reports exporter health on m instead of an unregistered set.
func WithMetrics(m *Metrics) Option {
	return func(e *Exporter) {
		e.metrics = m
	}
}

// WithClock overrides the clock used to stamp and age records.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) {
		e.now = now
	}
}

// WithIdentity overrides the process identity used for the
// transport-affinity check. Defaults to os.Getpid.
func WithIdentity(identity func() int) Option {
	return func(e *Exporter) {
		e.identity = identity
	}
}

// New creates an Exporter and starts its delivery loop. A nil log
// discards all output.
func New(log logrus.FieldLogger, cfg Config, opts ...Option) (*Exporter, error) {
	e, err := newExporter(log, cfg, opts...)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.startLoopLocked(nil)
	e.mu.Unlock()

	return e, nil
}

func newExporter(log logrus.FieldLogger, cfg Config, opts ...Option) (*Exporter, error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	tlsConfig, err := cfg.TLS.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("loading tls config: %w", err)
	}

	if log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		log = discard
	}

	e := &Exporter{
		log:       log.WithField("component", "exporter"),
		cfg:       cfg,
		tlsConfig: tlsConfig,
		queue:     newBoundedQueue(cfg.QueueCapacity),
		now:       time.Now,
		identity:  os.Getpid,
		wake:      make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.metrics == nil {
		e.metrics = NewMetrics("promagg")
	}

	e.metrics.QueueCapacity.Set(float64(cfg.QueueCapacity))

	return e, nil
}

// Enqueue stamps the record and hands it to the delivery loop. It never
// blocks on I/O and never fails observably: invalid records and records
// evicted by a full queue are dropped and counted.
func (e *Exporter) Enqueue(r record.Record) {
	if err := r.Validate(); err != nil {
		e.metrics.RecordsDropped.WithLabelValues(DropInvalid).Inc()
		e.log.WithError(err).Debug("Dropping invalid record")

		return
	}

	// The queued copy must not see later edits to the caller's map or
	// slice.
	if e.queue.push(entry{enqueuedAt: e.now(), record: r.Clone()}) {
		e.metrics.RecordsDropped.WithLabelValues(DropOverflow).Inc()
	}

	e.metrics.RecordsEnqueued.Inc()
	e.metrics.QueueLength.Set(float64(e.queue.len()))

	e.rearmIfForked()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Backlog returns the number of records waiting for delivery.
func (e *Exporter) Backlog() int {
	return e.queue.len()
}

// Stop asks the delivery loop to exit. It returns immediately; the loop
// notices at the top of its next cycle and closes the connection itself.
func (e *Exporter) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	if l := e.loop.Load(); l != nil {
		l.requestStop()
	}
}

// Wait blocks until the delivery loop has exited or ctx is done.
func (e *Exporter) Wait(ctx context.Context) error {
	l := e.loop.Load()
	if l == nil {
		return nil
	}

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rearmIfForked replaces the delivery loop when the calling process is not
// the one the loop was started in. The old loop and its connection are
// abandoned rather than shared; the new loop does not consume until the old
// one has exited.
func (e *Exporter) rearmIfForked() {
	current := e.loop.Load()
	if current == nil || current.owner == e.identity() {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return
	}

	// Another producer may have re-armed while we waited for the lock.
	if l := e.loop.Load(); l != current {
		return
	}

	current.requestStop()
	e.metrics.LoopRestarts.Inc()
	e.log.WithFields(logrus.Fields{
		"previous_owner": current.owner,
		"owner":          e.identity(),
	}).Info("Process identity changed, restarting delivery loop")

	e.startLoopLocked(current.done)
}

func (e *Exporter) startLoopLocked(previous <-chan struct{}) {
	l := e.newLoop()
	l.previous = previous
	e.loop.Store(l)

	go l.run()
}

func (e *Exporter) newLoop() *deliveryLoop {
	return &deliveryLoop{
		log:     e.log,
		cfg:     e.cfg,
		queue:   e.queue,
		conn:    newConnManager(e.log, e.cfg, e.tlsConfig, e.identity),
		cache:   newRegistrationCache(),
		metrics: e.metrics,
		now:     e.now,
		owner:   e.identity(),
		wake:    e.wake,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}
