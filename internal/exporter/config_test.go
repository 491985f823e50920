package exporter

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/promagg/internal/testutil"
)

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{Port: 9394}
	cfg.ApplyDefaults()

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 100, cfg.QueueCapacity)
	assert.Equal(t, 5*time.Second, cfg.StalenessThreshold)
	assert.Equal(t, time.Second, cfg.ConnectionRetryInterval)
	assert.Equal(t, 10*time.Millisecond, cfg.IdleInterval)
	require.NoError(t, cfg.Validate())
}

func TestConfig_ApplyDefaultsKeepsExplicit(t *testing.T) {
	cfg := Config{
		Host:          "aggregator",
		Port:          1,
		QueueCapacity: 7,
		IdleInterval:  time.Second,
	}
	cfg.ApplyDefaults()

	assert.Equal(t, "aggregator", cfg.Host)
	assert.Equal(t, 7, cfg.QueueCapacity)
	assert.Equal(t, time.Second, cfg.IdleInterval)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing port",
			mutate:  func(c *Config) { c.Port = 0 },
			wantErr: "port 0 is out of range",
		},
		{
			name:    "port too large",
			mutate:  func(c *Config) { c.Port = 70000 },
			wantErr: "out of range",
		},
		{
			name:    "zero capacity",
			mutate:  func(c *Config) { c.QueueCapacity = 0 },
			wantErr: "queue_capacity",
		},
		{
			name:    "zero staleness",
			mutate:  func(c *Config) { c.StalenessThreshold = 0 },
			wantErr: "staleness_threshold",
		},
		{
			name:    "cert without key",
			mutate:  func(c *Config) { c.TLS.CertFile = "/tmp/cert.pem" },
			wantErr: "both a certificate and a key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(9394)
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTLSConfig_Disabled(t *testing.T) {
	var c TLSConfig

	assert.False(t, c.Enabled())

	tlsConfig, err := c.ClientConfig()
	require.NoError(t, err)
	assert.Nil(t, tlsConfig)
}

func TestTLSConfig_InlinePEM(t *testing.T) {
	pair := testutil.NewKeyPair(t)

	c := TLSConfig{Cert: pair.CertPEM, Key: pair.KeyPEM}
	require.True(t, c.Enabled())

	tlsConfig, err := c.ClientConfig()
	require.NoError(t, err)
	require.NotNil(t, tlsConfig)
	assert.Len(t, tlsConfig.Certificates, 1)
	assert.True(t, tlsConfig.InsecureSkipVerify)
}

func TestTLSConfig_Files(t *testing.T) {
	pair := testutil.NewKeyPair(t)
	dir := t.TempDir()

	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")

	require.NoError(t, os.WriteFile(certFile, []byte(pair.CertPEM), 0o600))
	require.NoError(t, os.WriteFile(keyFile, []byte(pair.KeyPEM), 0o600))

	c := TLSConfig{CertFile: certFile, KeyFile: keyFile}

	tlsConfig, err := c.ClientConfig()
	require.NoError(t, err)
	assert.Len(t, tlsConfig.Certificates, 1)
}

func TestTLSConfig_BadPEM(t *testing.T) {
	c := TLSConfig{Cert: "not a cert", Key: "not a key"}

	_, err := c.ClientConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing tls key pair")
}
