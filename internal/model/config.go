package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MailboxConfig holds the IMAP server settings shared by every account.
type MailboxConfig struct {
	Host               string `mapstructure:"host" yaml:"host"`
	Port               int    `mapstructure:"port" yaml:"port"`
	TLS                bool   `mapstructure:"tls" yaml:"tls"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`

	// Window is how far back each fetch looks.
	Window time.Duration `mapstructure:"window" yaml:"window"`

	// FetchTimeout bounds one account's fetch-and-process work.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`

	DefaultPassword string `mapstructure:"default_password" yaml:"default_password"`
}

// MonitorConfig holds scheduling and retry settings.
type MonitorConfig struct {
	Interval        time.Duration `mapstructure:"interval" yaml:"interval"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	Retention       time.Duration `mapstructure:"retention" yaml:"retention"`
	Cooldown        time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	Concurrency     int           `mapstructure:"concurrency" yaml:"concurrency"`
}

// LedgerConfig selects the ledger database.
type LedgerConfig struct {
	// Driver is one of "sqlite", "postgres" or "mysql".
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// SinkConfig configures the downstream CRM endpoint.
type SinkConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	Token   string        `mapstructure:"token" yaml:"token"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// NotifyConfig configures the ops notification webhook.
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url" yaml:"webhook_url"`
	Footer     string        `mapstructure:"footer" yaml:"footer"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// LLMConfig holds settings for the text-generation fallback extractor.
type LLMConfig struct {
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey    string        `mapstructure:"api_key" yaml:"api_key"`
	Model     string        `mapstructure:"model" yaml:"model"`
	MaxTokens int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ExtractConfig selects the extraction strategy.
type ExtractConfig struct {
	// Strategy is "portal", "portal_then_llm" or "llm".
	Strategy string    `mapstructure:"strategy" yaml:"strategy"`
	LLM      LLMConfig `mapstructure:"llm" yaml:"llm"`
}

// ProvisionConfig holds the cPanel API settings used to create mailboxes.
type ProvisionConfig struct {
	Host   string `mapstructure:"host" yaml:"host"`
	User   string `mapstructure:"user" yaml:"user"`
	Token  string `mapstructure:"token" yaml:"token"`
	Domain string `mapstructure:"domain" yaml:"domain"`
	Quota  int    `mapstructure:"quota" yaml:"quota"`
}

// APIConfig configures the HTTP control API.
type APIConfig struct {
	Addr  string `mapstructure:"addr" yaml:"addr"`
	Token string `mapstructure:"token" yaml:"token"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// TelemetryConfig configures metric export.
type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
}

// AccountConfig is a statically configured mailbox seeded into the
// account table at startup.
type AccountConfig struct {
	Address       string `mapstructure:"address" yaml:"address"`
	CredentialRef string `mapstructure:"credential_ref" yaml:"credential_ref"`
	Active        bool   `mapstructure:"active" yaml:"active"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Mailbox   MailboxConfig   `mapstructure:"mailbox" yaml:"mailbox"`
	Monitor   MonitorConfig   `mapstructure:"monitor" yaml:"monitor"`
	Ledger    LedgerConfig    `mapstructure:"ledger" yaml:"ledger"`
	Sink      SinkConfig      `mapstructure:"sink" yaml:"sink"`
	Notify    NotifyConfig    `mapstructure:"notify" yaml:"notify"`
	Extract   ExtractConfig   `mapstructure:"extract" yaml:"extract"`
	Provision ProvisionConfig `mapstructure:"provision" yaml:"provision"`
	API       APIConfig       `mapstructure:"api" yaml:"api"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Accounts  []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
}

// Extraction strategies.
const (
	StrategyPortal        = "portal"
	StrategyPortalThenLLM = "portal_then_llm"
	StrategyLLM           = "llm"
)

// configDir returns ~/.config/leadmail, or the working directory when the
// home directory cannot be resolved.
func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "leadmail")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/leadmail/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

// setDefaults registers every default on v so that missing keys and
// environment-only deployments resolve to sensible values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("mailbox.host", "mail.example.com")
	v.SetDefault("mailbox.port", 993)
	v.SetDefault("mailbox.tls", true)
	v.SetDefault("mailbox.insecure_skip_verify", false)
	v.SetDefault("mailbox.window", "1h")
	v.SetDefault("mailbox.fetch_timeout", "60s")
	v.SetDefault("mailbox.default_password", "")

	v.SetDefault("monitor.interval", "1m")
	v.SetDefault("monitor.cleanup_interval", "6h")
	v.SetDefault("monitor.retention", "720h")
	v.SetDefault("monitor.cooldown", "30m")
	v.SetDefault("monitor.concurrency", 8)

	v.SetDefault("ledger.driver", "sqlite")
	v.SetDefault("ledger.dsn", filepath.Join(configDir(), "leadmail.db"))

	v.SetDefault("sink.url", "")
	v.SetDefault("sink.token", "")
	v.SetDefault("sink.timeout", "15s")

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.footer", "leadmail monitor")
	v.SetDefault("notify.timeout", "10s")

	v.SetDefault("extract.strategy", StrategyPortal)
	v.SetDefault("extract.llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("extract.llm.api_key", "")
	v.SetDefault("extract.llm.model", "gpt-4o-mini")
	v.SetDefault("extract.llm.max_tokens", 1024)
	v.SetDefault("extract.llm.timeout", "60s")

	v.SetDefault("provision.host", "")
	v.SetDefault("provision.user", "")
	v.SetDefault("provision.token", "")
	v.SetDefault("provision.domain", "")
	v.SetDefault("provision.quota", 250)

	v.SetDefault("api.addr", ":3000")
	v.SetDefault("api.token", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("telemetry.otlp_endpoint", "")
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Environment variables prefixed with LEADMAIL_ override file values
// (mailbox.window -> LEADMAIL_MAILBOX_WINDOW). A missing file is not an
// error; the defaults and environment are used instead.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("leadmail")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if _, isPathErr := err.(*os.PathError); !isPathErr && !notFound {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Accounts {
		if !cfg.Accounts[i].Active {
			// Viper unmarshals missing bools as false; treat unset as true.
			key := fmt.Sprintf("accounts.%d.active", i)
			if !v.IsSet(key) {
				cfg.Accounts[i].Active = true
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a cycle.
func (c *AppConfig) Validate() error {
	switch c.Ledger.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver)
	}

	switch c.Extract.Strategy {
	case StrategyPortal:
	case StrategyPortalThenLLM, StrategyLLM:
		if c.Extract.LLM.APIKey == "" {
			return fmt.Errorf("extract strategy %q requires extract.llm.api_key", c.Extract.Strategy)
		}
	default:
		return fmt.Errorf("unknown extract strategy %q", c.Extract.Strategy)
	}

	if c.Mailbox.Window <= 0 {
		return fmt.Errorf("mailbox.window must be positive")
	}
	if c.Monitor.Interval <= 0 || c.Monitor.CleanupInterval <= 0 {
		return fmt.Errorf("monitor intervals must be positive")
	}
	return nil
}
