// Package testutil provides shared test helpers: a loopback line server
// standing in for the aggregator, throwaway TLS key pairs, and receive
// helpers with a timeout safety valve.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// TB is the subset of testing.TB the helpers need.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
	Cleanup(func())
}

// Log returns a logger for tests. Output is discarded unless verbose.
func Log(verbose bool) logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	if !verbose {
		log.SetOutput(io.Discard)
	}

	return log
}

// RequireReceive reads one value from ch within timeout, or fails the test.
func RequireReceive[T any](t TB, ch <-chan T, timeout time.Duration, what string) T {
	t.Helper()

	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed while %s", what)
		}

		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v while %s", timeout, what)
	}

	panic("unreachable")
}

// RequireClosed waits for ch to be closed within timeout, or fails the
// test.
func RequireClosed(t TB, ch <-chan struct{}, timeout time.Duration, what string) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v while %s", timeout, what)
	}
}

// KeyPair is a PEM encoded self-signed certificate and its private key.
type KeyPair struct {
	CertPEM string
	KeyPEM  string
}

// TLSCertificate parses the pair for use in a tls.Config.
func (p KeyPair) TLSCertificate(t TB) tls.Certificate {
	t.Helper()

	cert, err := tls.X509KeyPair([]byte(p.CertPEM), []byte(p.KeyPEM))
	if err != nil {
		t.Fatalf("parsing key pair: %v", err)
	}

	return cert
}

// NewKeyPair generates a short-lived self-signed certificate for 127.0.0.1.
func NewKeyPair(t TB) KeyPair {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "promagg-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1)},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling key: %v", err)
	}

	return KeyPair{
		CertPEM: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		KeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})),
	}
}

// FreePort returns a loopback port that nothing is listening on.
func FreePort(t TB) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}

	port := ln.Addr().(*net.TCPAddr).Port

	if err := ln.Close(); err != nil {
		t.Fatalf("closing listener: %v", err)
	}

	return port
}
