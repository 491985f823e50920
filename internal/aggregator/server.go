// Package aggregator is a reference aggregator for the exporter wire
// protocol. It accepts newline-delimited JSON registrations and values,
// folds them into Prometheus collectors and serves them on /metrics.
//
// It exists to exercise the exporter end to end; state lives only in
// memory and is lost on restart.
package aggregator

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/promagg/internal/version"
)

// Server accepts exporter connections and serves the aggregated metrics.
type Server struct {
	log       logrus.FieldLogger
	cfg       Config
	tlsConfig *tls.Config
	registry  *prometheus.Registry
	store     *store
	metrics   *Metrics

	listener     net.Listener
	httpListener net.Listener
	httpServer   *http.Server

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup

	running atomic.Bool
}

// NewServer creates a Server. Nothing listens until Start.
func NewServer(log logrus.FieldLogger, cfg Config) (*Server, error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	tlsConfig, err := cfg.TLS.ServerConfig()
	if err != nil {
		return nil, fmt.Errorf("loading tls config: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(version.BuildInfo("promagg"))

	return &Server{
		log:       log.WithField("component", "aggregator"),
		cfg:       cfg,
		tlsConfig: tlsConfig,
		registry:  reg,
		store:     newStore(reg),
		metrics:   newMetrics(reg),
		conns:     make(map[net.Conn]struct{}),
	}, nil
}

// Start listens for exporters and begins serving the /metrics endpoint.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.ListenAddr, err)
	}

	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	httpLn, err := net.Listen("tcp", s.cfg.MetricsAddr)
	if err != nil {
		_ = ln.Close()

		return fmt.Errorf("listening on %s: %w", s.cfg.MetricsAddr, err)
	}

	s.listener = ln
	s.httpListener = httpLn
	s.httpServer = &http.Server{
		Handler: s.handler(),
	}

	s.running.Store(true)

	s.wg.Add(1)

	go s.accept()

	go func() {
		s.log.WithField("addr", httpLn.Addr().String()).
			Info("Metrics server started")

		if err := s.httpServer.Serve(httpLn); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).
				Error("Metrics server error")
		}
	}()

	s.log.WithFields(logrus.Fields{
		"addr": ln.Addr().String(),
		"tls":  s.tlsConfig != nil,
	}).Info("Aggregator listening")

	return nil
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	// Compression is negotiated once for every endpoint by gzhttp below.
	mux.Handle("/metrics", promhttp.HandlerFor(
		s.registry,
		promhttp.HandlerOpts{DisableCompression: true},
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	// pprof endpoints for CPU/memory profiling.
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return gzhttp.GzipHandler(mux)
}

// Addr returns the actual exporter listener address. Useful when started
// with ":0" to get the OS-assigned port.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}

	return s.cfg.ListenAddr
}

// MetricsAddr returns the actual /metrics listener address.
func (s *Server) MetricsAddr() string {
	if s.httpListener != nil {
		return s.httpListener.Addr().String()
	}

	return s.cfg.MetricsAddr
}

// Registry returns the registry holding both aggregated and ingest
// metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Metrics returns the ingest health metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Stop closes the listeners and every exporter connection, then waits for
// the connection handlers to return.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	var errs []error

	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("closing listener: %w", err))
	}

	if err := s.httpServer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing metrics server: %w", err))
	}

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.log.Info("Aggregator stopped")

	return errors.Join(errs...)
}

func (s *Server) accept() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			s.log.WithError(err).Warn("Accept failed")

			continue
		}

		// Stop may already have swept s.conns.
		s.mu.Lock()
		if !s.running.Load() {
			s.mu.Unlock()
			_ = conn.Close()

			return
		}

		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.metrics.Connections.Inc()
		s.wg.Add(1)

		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()

	log := s.log.WithField("remote", conn.RemoteAddr().String())
	log.Debug("Exporter connected")

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()

		_ = conn.Close()

		s.metrics.Connections.Dec()
		log.Debug("Exporter disconnected")
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, min(64*1024, s.cfg.MaxLineBytes)), s.cfg.MaxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		s.ingest(log, line)
	}

	err := scanner.Err()

	switch {
	case err == nil, errors.Is(err, net.ErrClosed):
	case errors.Is(err, bufio.ErrTooLong):
		s.metrics.LineErrors.WithLabelValues(reasonTooLong).Inc()
		log.WithError(err).Warn("Wire message too long, dropping connection")
	default:
		log.WithError(err).Debug("Exporter connection read failed")
	}
}

func (s *Server) ingest(log logrus.FieldLogger, line []byte) {
	registration, err := s.store.apply(line)
	if err != nil {
		s.metrics.LineErrors.WithLabelValues(errorReason(err)).Inc()
		log.WithError(err).Warn("Rejected wire message")

		return
	}

	if registration {
		s.metrics.Lines.WithLabelValues("registration").Inc()
		s.metrics.Families.Set(float64(s.store.len()))

		return
	}

	s.metrics.Lines.WithLabelValues("value").Inc()
}
