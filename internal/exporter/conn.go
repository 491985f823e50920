package exporter

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// FailureKind classifies transport failures so the retry policy can be
// asserted on rather than inferred.
type FailureKind uint8

const (
	// FailureConnect covers refused connections and TLS handshake errors.
	FailureConnect FailureKind = iota + 1
	// FailureWrite covers broken pipes, resets and dead links.
	FailureWrite
	// FailureTimeout is any connect or write that hit IOTimeout.
	FailureTimeout
)

func (k FailureKind) String() string {
	switch k {
	case FailureConnect:
		return "connect"
	case FailureWrite:
		return "write"
	case FailureTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned by writes attempted without a connection.
	ErrNotConnected = errors.New("not connected")
	// ErrPeerClosed is reported by the liveness probe when the aggregator
	// closed its end of the link.
	ErrPeerClosed = errors.New("peer closed connection")
)

// TransportError is the only error type produced by the connection
// manager.
type TransportError struct {
	Kind FailureKind
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func newTransportError(kind FailureKind, addr string, err error) *TransportError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = FailureTimeout
	}

	return &TransportError{Kind: kind, Addr: addr, Err: err}
}

// connection is one live transport, bound to the process that opened it.
type connection struct {
	conn  net.Conn
	owner int
	since time.Time
}

// connManager owns the aggregator link on behalf of the delivery loop. It
// performs at most one connect attempt per call and keeps no retry timing
// of its own.
type connManager struct {
	log       logrus.FieldLogger
	addr      string
	tlsConfig *tls.Config
	identity  func() int
	current   *connection
}

func newConnManager(
	log logrus.FieldLogger,
	cfg Config,
	tlsConfig *tls.Config,
	identity func() int,
) *connManager {
	return &connManager{
		log:       log,
		addr:      net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		tlsConfig: tlsConfig,
		identity:  identity,
	}
}

// connected reports whether the current link is usable. A link opened by
// a different process, or one the peer has closed, is torn down.
func (m *connManager) connected() bool {
	if m.current == nil {
		return false
	}

	if m.current.owner != m.identity() {
		m.log.WithField("owner", m.current.owner).
			Info("Process identity changed, discarding inherited connection")
		m.teardown()

		return false
	}

	if err := probe(m.current.conn); err != nil {
		m.log.WithError(err).Warn("Aggregator connection lost")
		m.teardown()

		return false
	}

	return true
}

// ensureConnected returns established=true when it had to open a new
// link, which invalidates everything declared on the previous one.
func (m *connManager) ensureConnected() (bool, error) {
	if m.connected() {
		return false, nil
	}

	conn, err := m.dial()
	if err != nil {
		return false, newTransportError(FailureConnect, m.addr, err)
	}

	m.current = &connection{
		conn:  conn,
		owner: m.identity(),
		since: time.Now(),
	}

	m.log.WithFields(logrus.Fields{
		"addr": m.addr,
		"tls":  m.tlsConfig != nil,
	}).Info("Connected to aggregator")

	return true, nil
}

func (m *connManager) dial() (net.Conn, error) {
	dialer := &net.Dialer{Timeout: IOTimeout}

	if m.tlsConfig == nil {
		return dialer.Dial("tcp", m.addr)
	}

	// The dialer timeout also bounds the handshake.
	return tls.DialWithDialer(dialer, "tcp", m.addr, m.tlsConfig)
}

// writeLine writes one newline-terminated message. Any failure tears the
// link down.
func (m *connManager) writeLine(line []byte) error {
	if m.current == nil {
		return &TransportError{Kind: FailureWrite, Addr: m.addr, Err: ErrNotConnected}
	}

	conn := m.current.conn

	if err := conn.SetWriteDeadline(time.Now().Add(IOTimeout)); err != nil {
		m.teardown()

		return newTransportError(FailureWrite, m.addr, err)
	}

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	if _, err := conn.Write(buf); err != nil {
		m.teardown()

		return newTransportError(FailureWrite, m.addr, err)
	}

	return nil
}

func (m *connManager) close() {
	m.teardown()
}

func (m *connManager) teardown() {
	if m.current == nil {
		return
	}

	if err := m.current.conn.Close(); err != nil {
		m.log.WithError(err).Debug("Error closing aggregator connection")
	}

	m.log.WithField("uptime", time.Since(m.current.since).Round(time.Millisecond)).
		Debug("Aggregator connection closed")

	m.current = nil
}
