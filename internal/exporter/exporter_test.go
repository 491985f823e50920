package exporter

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/promagg/internal/record"
	"github.com/ethpandaops/promagg/internal/testutil"
)

func startExporter(t *testing.T, cfg Config, opts ...Option) *Exporter {
	t.Helper()

	e, err := New(testLog(), cfg, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		e.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		assert.NoError(t, e.Wait(ctx))
	})

	return e
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(testLog(), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")

	cfg := testConfig(9394)
	cfg.TLS.Cert = "garbage"
	cfg.TLS.Key = "garbage"

	_, err = New(testLog(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading tls config")
}

func TestNew_NilLogger(t *testing.T) {
	e, err := New(nil, testConfig(testutil.FreePort(t)))
	require.NoError(t, err)

	e.Stop()
	require.NoError(t, e.Wait(context.Background()))
}

func TestExporter_DeliversRecords(t *testing.T) {
	srv := testutil.NewLineServer(t, nil)
	e := startExporter(t, testConfig(srv.Port()))

	e.Enqueue(counter("test_counter", 1, map[string]string{"method": "get"}))

	reg := nextLine(t, srv)
	assert.True(t, reg.isRegistration())
	assert.Equal(t, "test_counter", reg.Name)
	assert.Equal(t, map[string]string{"method": "get"}, reg.Labels)

	val := nextLine(t, srv)
	require.NotNil(t, val.Value)
	assert.Equal(t, 1.0, *val.Value)
	assert.Equal(t, map[string]string{"method": "get"}, val.Labels)

	assert.Eventually(t, func() bool { return e.Backlog() == 0 }, lineTimeout, 5*time.Millisecond)
}

func TestExporter_OverflowKeepsNewest(t *testing.T) {
	e, err := newExporter(testLog(), testConfig(testutil.FreePort(t)))
	require.NoError(t, err)

	for i := 0; i < 105; i++ {
		e.Enqueue(counter(fmt.Sprintf("r%d", i), 1, nil))
	}

	assert.Equal(t, 100, e.Backlog())
	assert.Equal(t, 5.0, metricValue(t, e.metrics.RecordsDropped.WithLabelValues(DropOverflow)))
	assert.Equal(t, 105.0, metricValue(t, e.metrics.RecordsEnqueued))
	assert.Equal(t, 100.0, metricValue(t, e.metrics.QueueLength))

	for i := 5; i < 105; i++ {
		got, ok := e.queue.popFront()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("r%d", i), got.record.Name)
	}
}

func TestExporter_EnqueueWhileDisconnected(t *testing.T) {
	e := startExporter(t, testConfig(testutil.FreePort(t)))

	assert.NotPanics(t, func() {
		for i := 0; i < 1000; i++ {
			e.Enqueue(counter("test_counter", float64(i), nil))
		}
	})

	assert.LessOrEqual(t, e.Backlog(), 100)
}

func TestExporter_DropsInvalidRecords(t *testing.T) {
	e, err := newExporter(testLog(), testConfig(testutil.FreePort(t)))
	require.NoError(t, err)

	e.Enqueue(record.Record{Kind: record.KindCounter})
	e.Enqueue(record.Record{Kind: record.KindGauge, Name: "g", Value: math.NaN()})
	e.Enqueue(record.Record{Kind: record.KindGauge, Name: "g", Buckets: []float64{1}})

	assert.Zero(t, e.Backlog())
	assert.Equal(t, 3.0, metricValue(t, e.metrics.RecordsDropped.WithLabelValues(DropInvalid)))
	assert.Zero(t, metricValue(t, e.metrics.RecordsEnqueued))
}

func TestExporter_EnqueueCopiesRecord(t *testing.T) {
	e, err := newExporter(testLog(), testConfig(testutil.FreePort(t)))
	require.NoError(t, err)

	labels := map[string]string{"route": "/a"}
	e.Enqueue(counter("requests_total", 1, labels))

	labels["route"] = "/b"

	got, ok := e.queue.popFront()
	require.True(t, ok)
	assert.Equal(t, map[string]string{"route": "/a"}, got.record.Labels)
}

func TestExporter_StopAndWait(t *testing.T) {
	srv := testutil.NewLineServer(t, nil)

	e, err := New(testLog(), testConfig(srv.Port()))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return srv.Accepted() == 1 }, lineTimeout, 5*time.Millisecond)

	e.Stop()
	e.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), lineTimeout)
	defer cancel()

	require.NoError(t, e.Wait(ctx))

	// Records enqueued after Stop are kept but never sent.
	assert.NotPanics(t, func() { e.Enqueue(counter("late_total", 1, nil)) })
	assert.Equal(t, 1, e.Backlog())
	requireNoLine(t, srv, 50*time.Millisecond)
}

func TestExporter_WaitHonoursContext(t *testing.T) {
	e := startExporter(t, testConfig(testutil.FreePort(t)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, e.Wait(ctx), context.Canceled)
}

func TestExporter_WakesIdleLoop(t *testing.T) {
	srv := testutil.NewLineServer(t, nil)

	cfg := testConfig(srv.Port())
	cfg.IdleInterval = time.Hour

	e := startExporter(t, cfg)

	require.Eventually(t, func() bool { return srv.Accepted() == 1 }, lineTimeout, 5*time.Millisecond)

	e.Enqueue(counter("test_counter", 1, nil))

	assert.Equal(t, "test_counter", nextLine(t, srv).Name)
	assert.Equal(t, "test_counter", nextLine(t, srv).Name)
}

func TestExporter_RearmsAfterIdentityChange(t *testing.T) {
	srv := testutil.NewLineServer(t, nil)
	id := newFakeIdentity()
	e := startExporter(t, testConfig(srv.Port()), WithIdentity(id.Get))

	e.Enqueue(counter("test_counter", 1, nil))
	assert.True(t, nextLine(t, srv).isRegistration())
	assert.False(t, nextLine(t, srv).isRegistration())

	first := e.loop.Load()

	id.Fork()
	e.Enqueue(counter("test_counter", 2, nil))

	second := e.loop.Load()
	require.NotSame(t, first, second)
	assert.Equal(t, id.Get(), second.owner)
	assert.Equal(t, (<-chan struct{})(first.done), second.previous, "new loop waits for the old one")
	assert.Equal(t, 1.0, metricValue(t, e.metrics.LoopRestarts))

	testutil.RequireClosed(t, first.done, lineTimeout, "waiting for the inherited loop to exit")

	for {
		line := nextLine(t, srv)
		if line.Value != nil && *line.Value == 2 {
			break
		}
	}

	assert.Eventually(t, func() bool { return srv.Accepted() >= 2 }, lineTimeout, 5*time.Millisecond)
}

func TestExporter_NoRearmAfterStop(t *testing.T) {
	id := newFakeIdentity()

	e, err := New(testLog(), testConfig(testutil.FreePort(t)), WithIdentity(id.Get))
	require.NoError(t, err)

	first := e.loop.Load()

	e.Stop()
	id.Fork()
	e.Enqueue(counter("test_counter", 1, nil))

	assert.Same(t, first, e.loop.Load())
	assert.Zero(t, metricValue(t, e.metrics.LoopRestarts))
	require.NoError(t, e.Wait(context.Background()))
}

func TestExporter_TLS(t *testing.T) {
	pair := testutil.NewKeyPair(t)
	srv := testutil.NewLineServer(t, &tls.Config{
		Certificates: []tls.Certificate{pair.TLSCertificate(t)},
		MinVersion:   tls.VersionTLS12,
	})

	cfg := testConfig(srv.Port())
	cfg.TLS = TLSConfig{Cert: pair.CertPEM, Key: pair.KeyPEM}

	e := startExporter(t, cfg)

	e.Enqueue(record.Record{Kind: record.KindGauge, Name: "temperature", Value: 21.5})

	assert.Equal(t, "gauge", nextLine(t, srv).Type)

	val := nextLine(t, srv)
	require.NotNil(t, val.Value)
	assert.Equal(t, 21.5, *val.Value)
}

func TestMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test")

	require.NoError(t, m.Register(reg))
	require.Error(t, m.Register(reg), "duplicate registration")

	e, err := newExporter(testLog(), testConfig(1), WithMetrics(m))
	require.NoError(t, err)

	e.Enqueue(counter("a_total", 1, nil))

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]float64, len(families))
	for _, f := range families {
		if len(f.GetMetric()) == 1 {
			names[f.GetName()] = f.GetMetric()[0].GetGauge().GetValue() +
				f.GetMetric()[0].GetCounter().GetValue()
		}
	}

	assert.Equal(t, 100.0, names["test_exporter_queue_capacity"])
	assert.Equal(t, 1.0, names["test_exporter_queue_length"])
	assert.Equal(t, 1.0, names["test_exporter_records_enqueued_total"])
}
