package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"protero/internal/domain"
)

// 既定値
const (
	DefaultPort                = 10080
	DefaultMetricsPort         = 10081
	DefaultCertPath            = "./certs"
	DefaultLogDir              = "./logs"
	DefaultKeyBits             = 2048
	DefaultValidityDays        = 9999
	DefaultListenerIdleTimeout = 10 * time.Minute
	DefaultMetricsSaveInterval = time.Minute
	DefaultLogMaxSizeMB        = 100
	DefaultLogMaxAge           = 7 * 24 * time.Hour
	DefaultLogMaxBackups       = 5

	SignerOpenSSL = "openssl"
	SignerNative  = "native"
)

// Config はプロキシの設定ファイルの内容
type Config struct {
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
	CertPath    string `yaml:"cert_path"`
	HTTPS       bool   `yaml:"https"`
	// InterceptRules は復号対象を決めるルールファイル. 空なら CONNECT を全て復号する.
	InterceptRules     string `yaml:"intercept_rules"`
	RejectUnauthorized bool   `yaml:"reject_unauthorized"`
	CAKey              string `yaml:"ca_key"`
	CACert             string `yaml:"ca_cert"`
	OpenSSL            string `yaml:"openssl"`
	Signer             string `yaml:"signer"`

	KeyBits             int           `yaml:"key_bits"`
	CAValidityDays      int           `yaml:"ca_validity_days"`
	LeafValidityDays    int           `yaml:"leaf_validity_days"`
	ListenerIdleTimeout time.Duration `yaml:"listener_idle_timeout"`
	AcceptRate          float64       `yaml:"accept_rate"`
	AcceptBurst         int           `yaml:"accept_burst"`
	DecodeResponses     bool          `yaml:"decode_responses"`

	LogDir   string `yaml:"log_dir"`
	LogLevel string `yaml:"log_level"`
	// LogFormat は "text" か "json"
	LogFormat string `yaml:"log_format"`
	// ローテーション設定. 0 はその条件を使わない.
	LogMaxSizeMB        int           `yaml:"log_max_size_mb"`
	LogMaxAge           time.Duration `yaml:"log_max_age"`
	LogMaxBackups       int           `yaml:"log_max_backups"`
	MetricsSaveInterval time.Duration `yaml:"metrics_save_interval"`
}

// Default は既定値の設定を返す
func Default() *Config {
	return &Config{
		Port:                DefaultPort,
		MetricsPort:         DefaultMetricsPort,
		CertPath:            DefaultCertPath,
		HTTPS:               true,
		RejectUnauthorized:  true,
		Signer:              SignerOpenSSL,
		OpenSSL:             "openssl",
		KeyBits:             DefaultKeyBits,
		CAValidityDays:      DefaultValidityDays,
		LeafValidityDays:    DefaultValidityDays,
		ListenerIdleTimeout: DefaultListenerIdleTimeout,
		LogDir:              DefaultLogDir,
		LogLevel:            "info",
		LogFormat:           "text",
		LogMaxSizeMB:        DefaultLogMaxSizeMB,
		LogMaxAge:           DefaultLogMaxAge,
		LogMaxBackups:       DefaultLogMaxBackups,
		MetricsSaveInterval: DefaultMetricsSaveInterval,
	}
}

// Load は既定値に YAML ファイルの内容を重ねて返す. path が空なら既定値のみ.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値の整合性を確認
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	// 0 はメトリクスサーバーを起動しない
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics_port %d", c.MetricsPort)
	}
	if c.HTTPS && c.CertPath == "" {
		return fmt.Errorf("cert_path is required when https is enabled")
	}
	if (c.CAKey == "") != (c.CACert == "") {
		return fmt.Errorf("ca_key and ca_cert must be set together")
	}
	switch c.Signer {
	case SignerOpenSSL, SignerNative:
	default:
		return fmt.Errorf("unknown signer %q", c.Signer)
	}
	if c.KeyBits < 1024 {
		return fmt.Errorf("key_bits must be at least 1024, got %d", c.KeyBits)
	}
	if c.CAValidityDays <= 0 || c.LeafValidityDays <= 0 {
		return fmt.Errorf("validity days must be positive")
	}
	if c.ListenerIdleTimeout <= 0 {
		return fmt.Errorf("listener_idle_timeout must be positive")
	}
	if c.AcceptRate < 0 || c.AcceptBurst < 0 {
		return fmt.Errorf("accept_rate and accept_burst must not be negative")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	if c.LogMaxSizeMB < 0 || c.LogMaxAge < 0 || c.LogMaxBackups < 0 {
		return fmt.Errorf("log rotation settings must not be negative")
	}
	if c.MetricsSaveInterval <= 0 {
		return fmt.Errorf("metrics_save_interval must be positive")
	}
	return nil
}

// CustomCA は ca_key / ca_cert のファイルを読み込む. 未設定なら nil.
func (c *Config) CustomCA() (*domain.KeyCertPair, error) {
	if c.CAKey == "" {
		return nil, nil
	}
	key, err := os.ReadFile(c.CAKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read ca_key: %w", err)
	}
	cert, err := os.ReadFile(c.CACert)
	if err != nil {
		return nil, fmt.Errorf("failed to read ca_cert: %w", err)
	}
	return &domain.KeyCertPair{Key: key, Cert: cert}, nil
}
