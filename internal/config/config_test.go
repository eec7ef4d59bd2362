package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, 10*time.Minute, cfg.ListenerIdleTimeout)
	assert.Equal(t, 9999, cfg.CAValidityDays)
	assert.True(t, cfg.HTTPS)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "proxy.yaml", `
port: 8080
https: false
signer: native
listener_idle_timeout: 30s
accept_rate: 50
decode_responses: true
log_level: debug
log_format: json
log_max_age: 48h
log_max_backups: 0
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.False(t, cfg.HTTPS)
	assert.Equal(t, SignerNative, cfg.Signer)
	assert.Equal(t, 30*time.Second, cfg.ListenerIdleTimeout)
	assert.Equal(t, 50.0, cfg.AcceptRate)
	assert.True(t, cfg.DecodeResponses)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 48*time.Hour, cfg.LogMaxAge)
	assert.Zero(t, cfg.LogMaxBackups)
	assert.Equal(t, DefaultLogMaxSizeMB, cfg.LogMaxSizeMB)
	// 未指定の項目は既定値のまま
	assert.Equal(t, DefaultMetricsPort, cfg.MetricsPort)
	assert.Equal(t, DefaultKeyBits, cfg.KeyBits)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, dir, "broken.yaml", "port: [1"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, dir, "invalid.yaml", "signer: gpg"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Port = 70000 }},
		{"negative metrics port", func(c *Config) { c.MetricsPort = -1 }},
		{"https without cert path", func(c *Config) { c.CertPath = "" }},
		{"ca key without cert", func(c *Config) { c.CAKey = "ca.key" }},
		{"unknown signer", func(c *Config) { c.Signer = "gpg" }},
		{"small key", func(c *Config) { c.KeyBits = 512 }},
		{"zero validity", func(c *Config) { c.LeafValidityDays = 0 }},
		{"zero idle timeout", func(c *Config) { c.ListenerIdleTimeout = 0 }},
		{"negative accept rate", func(c *Config) { c.AcceptRate = -1 }},
		{"unknown log level", func(c *Config) { c.LogLevel = "trace" }},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }},
		{"negative log size", func(c *Config) { c.LogMaxSizeMB = -1 }},
		{"negative log backups", func(c *Config) { c.LogMaxBackups = -1 }},
		{"zero save interval", func(c *Config) { c.MetricsSaveInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("cert path not needed without https", func(t *testing.T) {
		cfg := Default()
		cfg.HTTPS = false
		cfg.CertPath = ""
		assert.NoError(t, cfg.Validate())
	})
}

func TestCustomCA(t *testing.T) {
	dir := t.TempDir()

	cfg := Default()
	pair, err := cfg.CustomCA()
	require.NoError(t, err)
	assert.Nil(t, pair)

	cfg.CAKey = writeFile(t, dir, "ca.key", "KEY")
	cfg.CACert = writeFile(t, dir, "ca.crt", "CERT")
	pair, err = cfg.CustomCA()
	require.NoError(t, err)
	assert.Equal(t, []byte("KEY"), pair.Key)
	assert.Equal(t, []byte("CERT"), pair.Cert)

	cfg.CACert = filepath.Join(dir, "missing.crt")
	_, err = cfg.CustomCA()
	assert.Error(t, err)
}
