package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AbuAR/superhero-wallet/host"
	"github.com/AbuAR/superhero-wallet/phishing"
	"github.com/AbuAR/superhero-wallet/port"
)

// Config holds the daemon configuration
type Config struct {
	// ExtensionID is the only extension allowed to connect
	ExtensionID string `yaml:"extension_id"`

	// ExtensionScheme is the URL scheme of extension pages
	ExtensionScheme string `yaml:"extension_scheme"`

	// OriginPatterns are the WebSocket origins accepted in the handshake
	OriginPatterns []string `yaml:"origin_patterns"`

	Listen port.ListenConfig `yaml:"listen"`

	// NATS connection to the browser shim
	NATS host.Config `yaml:"nats"`

	Storage StorageConfig `yaml:"storage"`

	Phishing PhishingConfig `yaml:"phishing"`

	SessionGuard GuardConfig `yaml:"session_guard"`

	Queue QueueConfig `yaml:"queue"`

	Vault VaultConfig `yaml:"vault"`

	Health HealthConfig `yaml:"health"`

	Log LogConfig `yaml:"log"`
}

// StorageConfig holds the SQLite settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// PhishingConfig holds blocklist settings
type PhishingConfig struct {
	// S3 object to refresh the blocklist from; disabled when Bucket is empty
	S3 phishing.S3Config `yaml:"s3"`

	RefreshInterval int `yaml:"refresh_interval_seconds"`

	// Blocklist seeds the list when no S3 source is configured
	Blocklist []string `yaml:"blocklist"`
}

// GuardConfig holds session guard settings
type GuardConfig struct {
	IntervalMs     int `yaml:"interval_ms"`
	QueryTimeoutMs int `yaml:"query_timeout_ms"`
}

// QueueConfig holds ready queue settings
type QueueConfig struct {
	MaxPending int `yaml:"max_pending"`
}

// VaultConfig holds vault settings
type VaultConfig struct {
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`
}

// HealthConfig holds health check settings
type HealthConfig struct {
	Port int `yaml:"port"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// ExtensionURL is the base URL of the extension's pages.
func (c *Config) ExtensionURL() string {
	return fmt.Sprintf("%s://%s/", c.ExtensionScheme, c.ExtensionID)
}

// Validate checks settings the daemon cannot run without.
func (c *Config) Validate() error {
	if c.ExtensionID == "" {
		return fmt.Errorf("extension_id is required")
	}
	if c.Listen.Address == "" && c.Listen.VsockPort == 0 {
		return fmt.Errorf("listen.address or listen.vsock_port is required")
	}
	if c.SessionGuard.IntervalMs <= 0 {
		return fmt.Errorf("session_guard.interval_ms must be positive")
	}
	return nil
}

func (c *Config) guardInterval() time.Duration {
	return time.Duration(c.SessionGuard.IntervalMs) * time.Millisecond
}

func (c *Config) guardQueryTimeout() time.Duration {
	return time.Duration(c.SessionGuard.QueryTimeoutMs) * time.Millisecond
}

func (c *Config) vaultCallTimeout() time.Duration {
	return time.Duration(c.Vault.CallTimeoutSeconds) * time.Second
}

func (c *Config) refreshInterval() time.Duration {
	return time.Duration(c.Phishing.RefreshInterval) * time.Second
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ExtensionScheme: "chrome-extension",
		Listen: port.ListenConfig{
			Address: "127.0.0.1:7457",
		},
		NATS: host.Config{
			URL:            "nats://127.0.0.1:4222",
			SubjectPrefix:  "browser",
			RequestTimeout: 2 * time.Second,
			ReconnectWait:  2000,
			MaxReconnects:  -1, // Unlimited
		},
		Storage: StorageConfig{
			Path: "/var/lib/superhero/walletd.db",
		},
		Phishing: PhishingConfig{
			S3: phishing.S3Config{
				Region: "us-east-1",
				Key:    "phishing/blocklist.json",
			},
			RefreshInterval: 3600,
		},
		SessionGuard: GuardConfig{
			IntervalMs:     5000,
			QueryTimeoutMs: 2000,
		},
		Queue: QueueConfig{
			MaxPending: 256,
		},
		Vault: VaultConfig{
			CallTimeoutSeconds: 30,
		},
		Health: HealthConfig{
			Port: 8080,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
