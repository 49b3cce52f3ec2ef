// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the SMTP relay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Provider names accepted in Config.Provider.
const (
	ProviderRelay  = "relay"
	ProviderSES    = "ses"
	ProviderStdout = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	Settings SettingsConfig `yaml:"settings"`
	Secrets  SecretsConfig  `yaml:"secrets"`
	Site     SiteConfig     `yaml:"site"`
	Relay    RelayConfig    `yaml:"relay"`
	SMTP     SMTPConfig     `yaml:"submission"`
	Provider string         `yaml:"provider"`
	SES      SESConfig      `yaml:"ses"`
	TLS      TLSConfig      `yaml:"tls"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SettingsConfig locates the persisted relay settings.
type SettingsConfig struct {
	File string `yaml:"file"`
}

// SecretsConfig holds the installation master secret, inline or in a file.
type SecretsConfig struct {
	MasterKey     string `yaml:"master_key"`
	MasterKeyFile string `yaml:"master_key_file"`
}

// SiteConfig describes the application the relay sends on behalf of.
type SiteConfig struct {
	Name string `yaml:"name"`
}

// RelayConfig tunes the outbound connection. Host and credentials live in
// the settings file, not here.
type RelayConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxPerMinute int           `yaml:"max_per_minute"`
	AuthType     string        `yaml:"auth_type"`
	Proxy        string        `yaml:"proxy"`
	CAFile       string        `yaml:"ca_file"`
}

// SMTPConfig holds the submission listener configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// SESConfig holds AWS SES provider configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
	SenderName      string `yaml:"sender_name"`
}

// TLSConfig holds TLS certificate file paths for the submission listener.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvVars()

	return cfg, nil
}

// Validate checks the fields needed by the selected provider.
func (c *Config) Validate() error {
	var errs []error

	switch c.Provider {
	case ProviderRelay, ProviderStdout:
	case ProviderSES:
		if !c.SESConfigured() {
			errs = append(errs, errors.New("ses provider requires ses.region and ses.sender"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}

	if c.Relay.MaxPerMinute < 0 {
		errs = append(errs, fmt.Errorf("relay.max_per_minute must not be negative, got %d", c.Relay.MaxPerMinute))
	}
	if c.Relay.Timeout < 0 {
		errs = append(errs, fmt.Errorf("relay.timeout must not be negative, got %s", c.Relay.Timeout))
	}

	return errors.Join(errs...)
}

// ErrNoMasterSecret is returned by MasterSecret when neither an inline key
// nor a key file is configured.
var ErrNoMasterSecret = errors.New("no master secret configured, set RELAY_MASTER_KEY or RELAY_MASTER_KEY_FILE")

// MasterSecret returns a fresh copy of the installation master secret. The
// inline key wins over the key file. Trailing newlines in the file are
// ignored. The inline key itself stays in c; use TakeMasterSecret to drop it.
func (c *Config) MasterSecret() ([]byte, error) {
	if c.Secrets.MasterKey != "" {
		return []byte(c.Secrets.MasterKey), nil
	}
	if c.Secrets.MasterKeyFile == "" {
		return nil, ErrNoMasterSecret
	}

	data, err := os.ReadFile(c.Secrets.MasterKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read master key file: %w", err)
	}
	trimmed := strings.TrimRight(string(data), "\r\n")
	for i := range data {
		data[i] = 0
	}
	return []byte(trimmed), nil
}

// TakeMasterSecret returns the master secret like MasterSecret and clears
// the inline key from c, leaving the returned slice as the only copy held
// by the config.
func (c *Config) TakeMasterSecret() ([]byte, error) {
	secret, err := c.MasterSecret()
	c.Secrets.MasterKey = ""
	return secret, err
}

// SESConfigured returns true if the SES region and sender are set.
// Credentials may come from the default AWS chain.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Settings.File = "data/settings.yaml"
	c.Site.Name = "smtp-relay-lite"
	c.Relay.Timeout = 30 * time.Second
	c.Relay.MaxPerMinute = 30
	c.Relay.AuthType = "LOGIN"
	c.SMTP.Listen = "127.0.0.1:2525"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.Provider = ProviderRelay
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	setString(&c.Settings.File, "SETTINGS_FILE")
	setString(&c.Secrets.MasterKey, "RELAY_MASTER_KEY")
	setString(&c.Secrets.MasterKeyFile, "RELAY_MASTER_KEY_FILE")
	setString(&c.Site.Name, "SITE_NAME")

	if v := os.Getenv("RELAY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Relay.Timeout = d
		}
	}
	if v := os.Getenv("RELAY_MAX_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Relay.MaxPerMinute = n
		}
	}
	if v := os.Getenv("RELAY_AUTH_TYPE"); v != "" {
		c.Relay.AuthType = strings.ToUpper(v)
	}
	setString(&c.Relay.Proxy, "RELAY_PROXY")
	setString(&c.Relay.CAFile, "RELAY_CA_FILE")

	setString(&c.SMTP.Listen, "SMTP_LISTEN")
	setString(&c.SMTP.Username, "SMTP_USERNAME")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}

	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.SES.Sender, "SES_SENDER")

	setString(&c.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}
