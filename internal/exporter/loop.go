package exporter

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/promagg/internal/record"
)

const inheritedLoopGrace = 3*IOTimeout + time.Second

// deliveryLoop is the sole consumer of the queue and the only goroutine
// that touches the connection or the registration cache.
type deliveryLoop struct {
	log     logrus.FieldLogger
	cfg     Config
	queue   *boundedQueue
	conn    *connManager
	cache   *registrationCache
	metrics *Metrics
	now     func() time.Time
	owner   int
	wake    <-chan struct{}

	// previous is the done channel of the loop this one replaces. Nil for
	// the first loop.
	previous <-chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func (l *deliveryLoop) run() {
	defer close(l.done)
	defer func() {
		l.conn.close()
		l.metrics.Connected.Set(0)
	}()

	l.log.WithField("owner", l.owner).Debug("Delivery loop started")

	if l.previous != nil {
		l.awaitPrevious()
	}

	for {
		if l.stopRequested() {
			l.log.Debug("Delivery loop stopped")

			return
		}

		pause, wakeable := l.cycle()
		if pause > 0 {
			l.sleep(pause, wakeable)
		}
	}
}

// awaitPrevious holds off the first cycle until the replaced loop has
// exited, so the queue keeps a single consumer. A stopped loop finishes at
// most one connect and two writes, each bounded by IOTimeout; past that the
// replaced loop is assumed gone.
func (l *deliveryLoop) awaitPrevious() {
	timer := time.NewTimer(inheritedLoopGrace)
	defer timer.Stop()

	select {
	case <-l.previous:
	case <-l.stopCh:
	case <-timer.C:
		l.log.WithField("grace", inheritedLoopGrace).
			Warn("Replaced delivery loop did not exit, starting anyway")
	}
}

// cycle performs one iteration and returns how long to pause before the
// next one. Only idle pauses may be cut short by new records.
func (l *deliveryLoop) cycle() (pause time.Duration, wakeable bool) {
	established, err := l.conn.ensureConnected()
	if err != nil {
		l.metrics.ConnectAttempts.WithLabelValues("failure").Inc()
		l.metrics.transportError(err)
		l.metrics.Connected.Set(0)
		l.log.WithError(err).Warn("Failed to connect to aggregator, retrying")

		return l.cfg.ConnectionRetryInterval, false
	}

	if established {
		l.cache.reset()
		l.metrics.ConnectAttempts.WithLabelValues("success").Inc()
		l.metrics.Connected.Set(1)
	}

	if dropped := l.queue.dropStale(l.now(), l.cfg.StalenessThreshold); dropped > 0 {
		l.metrics.RecordsDropped.WithLabelValues(DropStale).Add(float64(dropped))
		l.log.WithField("count", dropped).Debug("Discarded stale records")
	}

	e, ok := l.queue.popFront()
	l.metrics.QueueLength.Set(float64(l.queue.len()))

	if !ok {
		return l.cfg.IdleInterval, true
	}

	l.deliver(e.record)

	return 0, false
}

// deliver writes the declaration on first sight of a series on this
// connection, then the value. The record is never retried.
func (l *deliveryLoop) deliver(r record.Record) {
	fingerprint, err := r.Declaration().Fingerprint()
	if err != nil {
		l.dropInvalid(r, err)

		return
	}

	value, err := r.MarshalValue()
	if err != nil {
		l.dropInvalid(r, err)

		return
	}

	if !l.cache.contains(fingerprint) {
		if err := l.conn.writeLine([]byte(fingerprint)); err != nil {
			l.writeFailed(r, err)

			return
		}

		l.cache.mark(fingerprint)
		l.metrics.DeclarationsSent.Inc()
	}

	if err := l.conn.writeLine(value); err != nil {
		l.writeFailed(r, err)

		return
	}

	l.metrics.RecordsSent.Inc()
}

func (l *deliveryLoop) writeFailed(r record.Record, err error) {
	l.metrics.RecordsDropped.WithLabelValues(DropWriteFailed).Inc()
	l.metrics.transportError(err)
	l.metrics.Connected.Set(0)
	l.log.WithError(err).WithField("metric", r.Name).
		Warn("Write to aggregator failed, dropping record")
}

func (l *deliveryLoop) dropInvalid(r record.Record, err error) {
	l.metrics.RecordsDropped.WithLabelValues(DropInvalid).Inc()
	l.log.WithError(err).WithField("metric", r.Name).
		Debug("Dropping unencodable record")
}

func (l *deliveryLoop) sleep(d time.Duration, wakeable bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	wake := l.wake
	if !wakeable {
		wake = nil
	}

	select {
	case <-timer.C:
	case <-wake:
	case <-l.stopCh:
	}
}

// requestStop is observed at the top of the next cycle. In-flight I/O is
// not interrupted.
func (l *deliveryLoop) requestStop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}

func (l *deliveryLoop) stopRequested() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}
