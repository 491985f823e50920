package aggregator

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
)

// Config configures the reference aggregator.
type Config struct {
	// ListenAddr accepts exporter connections.
	// Defaults to ":9394".
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr serves /metrics and /healthz.
	// Defaults to ":8192".
	MetricsAddr string `yaml:"metrics_addr"`

	// TLS wraps the exporter listener when a certificate/key pair is set.
	TLS TLSConfig `yaml:"tls"`

	// MaxLineBytes bounds a single wire message. Longer lines close the
	// connection.
	// Defaults to 1MiB.
	MaxLineBytes int `yaml:"max_line_bytes"`
}

// TLSConfig holds the server certificate. PEM content takes precedence
// over file paths.
type TLSConfig struct {
	Cert     string `yaml:"cert"`
	Key      string `yaml:"key"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":9394",
		MetricsAddr:  ":8192",
		MaxLineBytes: 1 << 20,
	}
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.ListenAddr == "" {
		c.ListenAddr = defaults.ListenAddr
	}

	if c.MetricsAddr == "" {
		c.MetricsAddr = defaults.MetricsAddr
	}

	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = defaults.MaxLineBytes
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}

	if c.MetricsAddr == "" {
		return errors.New("metrics_addr is required")
	}

	if c.MaxLineBytes <= 0 {
		return errors.New("max_line_bytes must be greater than 0")
	}

	hasCert := c.TLS.Cert != "" || c.TLS.CertFile != ""
	hasKey := c.TLS.Key != "" || c.TLS.KeyFile != ""

	if hasCert != hasKey {
		return errors.New("tls requires both a certificate and a key")
	}

	return nil
}

// Enabled reports whether a certificate/key pair is configured.
func (t *TLSConfig) Enabled() bool {
	return (t.Cert != "" || t.CertFile != "") && (t.Key != "" || t.KeyFile != "")
}

// ServerConfig loads the key pair. It returns nil when TLS is not
// configured.
func (t *TLSConfig) ServerConfig() (*tls.Config, error) {
	if !t.Enabled() {
		return nil, nil
	}

	certPEM := []byte(t.Cert)
	if t.Cert == "" {
		b, err := os.ReadFile(t.CertFile)
		if err != nil {
			return nil, fmt.Errorf("reading tls certificate: %w", err)
		}

		certPEM = b
	}

	keyPEM := []byte(t.Key)
	if t.Key == "" {
		b, err := os.ReadFile(t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading tls key: %w", err)
		}

		keyPEM = b
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing tls key pair: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
