package exporter

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"time"
)

// IOTimeout bounds every connect, write and read on the aggregator link.
const IOTimeout = 3 * time.Second

// Config configures the exporter.
type Config struct {
	// Host is the aggregator host name or address.
	Host string `yaml:"host"`

	// Port is the aggregator TCP port.
	Port int `yaml:"port"`

	// TLS enables a TLS link when a certificate/key pair is configured.
	TLS TLSConfig `yaml:"tls"`

	// QueueCapacity is the maximum number of pending records.
	// The oldest record is evicted when the queue is full.
	// Defaults to 100.
	QueueCapacity int `yaml:"queue_capacity"`

	// StalenessThreshold is the age at which a pending record is
	// discarded instead of sent.
	// Defaults to 5s.
	StalenessThreshold time.Duration `yaml:"staleness_threshold"`

	// ConnectionRetryInterval is the pause after a failed connect.
	// Defaults to 1s.
	ConnectionRetryInterval time.Duration `yaml:"connection_retry_interval"`

	// IdleInterval is the pause when the queue is empty.
	// Defaults to 10ms.
	IdleInterval time.Duration `yaml:"idle_interval"`
}

// TLSConfig holds the client certificate presented to the aggregator.
// PEM content takes precedence over file paths. The aggregator link is a
// private side channel, so the server certificate is not verified.
type TLSConfig struct {
	Cert     string `yaml:"cert"`
	Key      string `yaml:"key"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:                    "127.0.0.1",
		QueueCapacity:           100,
		StalenessThreshold:      5 * time.Second,
		ConnectionRetryInterval: time.Second,
		IdleInterval:            10 * time.Millisecond,
	}
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.Host == "" {
		c.Host = defaults.Host
	}

	if c.QueueCapacity <= 0 {
		c.QueueCapacity = defaults.QueueCapacity
	}

	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = defaults.StalenessThreshold
	}

	if c.ConnectionRetryInterval <= 0 {
		c.ConnectionRetryInterval = defaults.ConnectionRetryInterval
	}

	if c.IdleInterval <= 0 {
		c.IdleInterval = defaults.IdleInterval
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d is out of range", c.Port)
	}

	if c.QueueCapacity <= 0 {
		return errors.New("queue_capacity must be greater than 0")
	}

	if c.StalenessThreshold <= 0 {
		return errors.New("staleness_threshold must be greater than 0")
	}

	if c.ConnectionRetryInterval <= 0 {
		return errors.New("connection_retry_interval must be greater than 0")
	}

	if c.IdleInterval <= 0 {
		return errors.New("idle_interval must be greater than 0")
	}

	return c.TLS.validate()
}

// Enabled reports whether a certificate/key pair is configured.
func (t *TLSConfig) Enabled() bool {
	return (t.Cert != "" || t.CertFile != "") && (t.Key != "" || t.KeyFile != "")
}

func (t *TLSConfig) validate() error {
	hasCert := t.Cert != "" || t.CertFile != ""
	hasKey := t.Key != "" || t.KeyFile != ""

	if hasCert != hasKey {
		return errors.New("tls requires both a certificate and a key")
	}

	return nil
}

// ClientConfig loads the key pair and builds the client TLS config.
// It returns nil when TLS is not configured.
func (t *TLSConfig) ClientConfig() (*tls.Config, error) {
	if !t.Enabled() {
		return nil, nil
	}

	certPEM, err := pemOrFile(t.Cert, t.CertFile)
	if err != nil {
		return nil, fmt.Errorf("reading tls certificate: %w", err)
	}

	keyPEM, err := pemOrFile(t.Key, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading tls key: %w", err)
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing tls key pair: %w", err)
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{pair},
		InsecureSkipVerify: true, //nolint:gosec // private link, see TLSConfig.
	}, nil
}

func pemOrFile(content, path string) ([]byte, error) {
	if content != "" {
		return []byte(content), nil
	}

	return os.ReadFile(path)
}
