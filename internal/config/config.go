package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const logPrefix = "config"

// Config is the full relay configuration.
type Config struct {
	Backend     BackendConfig     `yaml:"backend"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Extension   ExtensionConfig   `yaml:"extension"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Audit       AuditConfig       `yaml:"audit"`
	Log         LogConfig         `yaml:"log"`
}

// BackendConfig describes the websocket channel to the marketplace backend.
type BackendConfig struct {
	URL              string          `yaml:"url"`
	HandshakeTimeout time.Duration   `yaml:"handshakeTimeout"`
	WriteTimeout     time.Duration   `yaml:"writeTimeout"`
	PingInterval     time.Duration   `yaml:"pingInterval"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
	OutboxSize       int             `yaml:"outboxSize"`
}

// ReconnectConfig bounds the automatic redial after a transient drop.
type ReconnectConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	MaxDelay time.Duration `yaml:"maxDelay"`
}

// CredentialsConfig selects where the bearer token and user id come from.
type CredentialsConfig struct {
	Source         string `yaml:"source"` // file, env, keyring
	File           string `yaml:"file"`
	KeyringService string `yaml:"keyringService"`
	KeyringUser    string `yaml:"keyringUser"`
	Watch          bool   `yaml:"watch"`
}

// ExtensionConfig configures the local listener the browser extension talks to.
type ExtensionConfig struct {
	Listen         string   `yaml:"listen"`
	ExtensionID    string   `yaml:"extensionId"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	PageOrigins    []string `yaml:"pageOrigins"`
}

// BridgeConfig tunes the capability bridge.
type BridgeConfig struct {
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
	BatchItemTimeout time.Duration `yaml:"batchItemTimeout"`
	ProbeAttempts    int           `yaml:"probeAttempts"`
	ProbeInterval    time.Duration `yaml:"probeInterval"`
}

// AuditConfig controls the SQLite command audit log.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LogConfig controls the default slog logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in values used for anything a file leaves unset.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     5 * time.Second,
			PingInterval:     25 * time.Second,
			Reconnect: ReconnectConfig{
				Attempts: 5,
				Delay:    time.Second,
				MaxDelay: 5 * time.Second,
			},
			OutboxSize: 256,
		},
		Credentials: CredentialsConfig{
			Source:         "file",
			KeyringService: "marketrelay",
			KeyringUser:    "default",
		},
		Extension: ExtensionConfig{
			Listen: "127.0.0.1:27460",
			AllowedOrigins: []string{
				"chrome-extension://",
				"moz-extension://",
				"safari-web-extension://",
			},
		},
		Bridge: BridgeConfig{
			RequestTimeout:   30 * time.Second,
			BatchItemTimeout: 5 * time.Second,
			ProbeAttempts:    5,
			ProbeInterval:    500 * time.Millisecond,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// LoadFromBytes loads configuration from YAML bytes with environment variable expansion
func LoadFromBytes(data []byte) (Config, error) {
	c := Default()
	if err := c.Merge(data); err != nil {
		return c, err
	}
	return c, nil
}

// LoadFile layers the YAML file at path over c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%s: read %s: %w", logPrefix, path, err)
	}
	if err := c.Merge(data); err != nil {
		return fmt.Errorf("%s: %s: %w", logPrefix, path, err)
	}
	return nil
}

// Merge decodes data over the current values; keys missing from data keep
// what c already holds.
func (c *Config) Merge(data []byte) error {
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("%s: parse yaml: %w", logPrefix, err)
	}
	return nil
}

// Validate checks the values the relay cannot run without.
func (c Config) Validate() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("%s: backend.url is required", logPrefix)
	}
	u, err := url.Parse(c.Backend.URL)
	if err != nil {
		return fmt.Errorf("%s: backend.url: %w", logPrefix, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%s: backend.url must use ws:// or wss://, got %q", logPrefix, u.Scheme)
	}
	if _, _, err := net.SplitHostPort(c.Extension.Listen); err != nil {
		return fmt.Errorf("%s: extension.listen: %w", logPrefix, err)
	}
	if c.Backend.HandshakeTimeout <= 0 || c.Backend.WriteTimeout <= 0 {
		return fmt.Errorf("%s: backend timeouts must be positive", logPrefix)
	}
	if c.Backend.Reconnect.Attempts < 0 {
		return fmt.Errorf("%s: backend.reconnect.attempts must not be negative", logPrefix)
	}
	if c.Bridge.RequestTimeout <= 0 {
		return fmt.Errorf("%s: bridge.requestTimeout must be positive", logPrefix)
	}
	switch strings.ToLower(c.Credentials.Source) {
	case "file":
		if c.Credentials.File == "" {
			return fmt.Errorf("%s: credentials.file is required for the file source", logPrefix)
		}
	case "env", "keyring":
	default:
		return fmt.Errorf("%s: credentials.source must be file, env or keyring, got %q", logPrefix, c.Credentials.Source)
	}
	if c.Audit.Enabled && c.Audit.Path == "" {
		return fmt.Errorf("%s: audit.path is required when auditing is enabled", logPrefix)
	}
	if len(c.Extension.AllowedOrigins) == 0 {
		return fmt.Errorf("%s: extension.allowedOrigins must not be empty", logPrefix)
	}
	return nil
}
