package testutil

import (
	"bufio"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"
)

// LineServer accepts connections and publishes every received line on
// Lines, in arrival order. It stands in for the aggregator in tests that
// assert on the raw wire stream.
type LineServer struct {
	Lines chan string

	t         TB
	tlsConfig *tls.Config
	addr      string

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	accepted int
	wg       sync.WaitGroup
}

// NewLineServer listens on a loopback port. A non-nil tlsConfig wraps the
// listener in TLS.
func NewLineServer(t TB, tlsConfig *tls.Config) *LineServer {
	t.Helper()

	s := &LineServer{
		Lines:     make(chan string, 1024),
		t:         t,
		tlsConfig: tlsConfig,
		addr:      "127.0.0.1:0",
		conns:     make(map[net.Conn]struct{}),
	}

	s.Start()
	t.Cleanup(s.Close)

	return s
}

// Start listens again on the server's address after Close.
func (s *LineServer) Start() {
	s.t.Helper()

	var (
		ln  net.Listener
		err error
	)

	// The previous port can linger briefly after Close.
	for attempt := 0; attempt < 50; attempt++ {
		ln, err = net.Listen("tcp", s.addr)
		if err == nil {
			break
		}

		time.Sleep(20 * time.Millisecond)
	}

	if err != nil {
		s.t.Fatalf("listening on %s: %v", s.addr, err)
	}

	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	s.mu.Lock()
	s.ln = ln
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	s.wg.Add(1)

	go s.accept(ln)
}

// Port returns the listening port.
func (s *LineServer) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, port, _ := net.SplitHostPort(s.addr)
	p, _ := strconv.Atoi(port)

	return p
}

// Accepted returns how many connections have been accepted so far.
func (s *LineServer) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.accepted
}

// DropConnections closes every open client connection but keeps
// listening.
func (s *LineServer) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.conns {
		_ = c.Close()
		delete(s.conns, c)
	}
}

// Close stops listening and drops every connection.
func (s *LineServer) Close() {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	s.DropConnections()
	s.wg.Wait()
}

func (s *LineServer) accept(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.accepted++
		s.mu.Unlock()

		s.wg.Add(1)

		go s.read(conn)
	}
}

func (s *LineServer) read(conn net.Conn) {
	defer s.wg.Done()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		s.Lines <- scanner.Text()
	}

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()

	_ = conn.Close()
}
