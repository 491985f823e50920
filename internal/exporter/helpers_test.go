package exporter

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/promagg/internal/record"
	"github.com/ethpandaops/promagg/internal/testutil"
)

const lineTimeout = 2 * time.Second

func testLog() logrus.FieldLogger {
	return testutil.Log(testing.Verbose())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// fakeIdentity stands in for os.Getpid so tests can simulate a fork.
type fakeIdentity struct {
	id atomic.Int64
}

func newFakeIdentity() *fakeIdentity {
	f := &fakeIdentity{}
	f.id.Store(1000)

	return f
}

func (f *fakeIdentity) Get() int {
	return int(f.id.Load())
}

func (f *fakeIdentity) Fork() {
	f.id.Add(1)
}

func testConfig(port int) Config {
	cfg := DefaultConfig()
	cfg.Port = port

	return cfg
}

func counter(name string, value float64, labels map[string]string) record.Record {
	return record.Record{
		Kind:   record.KindCounter,
		Name:   name,
		Help:   name + " help",
		Value:  value,
		Labels: labels,
	}
}

type wireLine struct {
	Name    string            `json:"name"`
	Type    string            `json:"type"`
	Help    string            `json:"help"`
	Buckets []float64         `json:"buckets"`
	Value   *float64          `json:"value"`
	Labels  map[string]string `json:"labels"`
}

func (w wireLine) isRegistration() bool {
	return w.Type != ""
}

func nextLine(t *testing.T, srv *testutil.LineServer) wireLine {
	t.Helper()

	raw := testutil.RequireReceive(t, srv.Lines, lineTimeout, "waiting for a wire line")

	var line wireLine
	require.NoError(t, json.Unmarshal([]byte(raw), &line), "line %q", raw)

	return line
}

func requireNoLine(t *testing.T, srv *testutil.LineServer, wait time.Duration) {
	t.Helper()

	select {
	case raw := <-srv.Lines:
		t.Fatalf("unexpected line %q", raw)
	case <-time.After(wait):
	}
}
