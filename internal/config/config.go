package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models discard.yml.
type Config struct {
	Countdown struct {
		BaseMs          int64 `yaml:"base_ms"`
		PerTenDollarsMs int64 `yaml:"per_ten_dollars_ms"`
		MaxMs           int64 `yaml:"max_ms"`
	} `yaml:"countdown"`
	Approval struct {
		ExpiryMinutes int `yaml:"expiry_minutes"`
	} `yaml:"approval"`
	Signer struct {
		Endpoint      string `yaml:"endpoint"`
		APIKey        string `yaml:"api_key"`
		WebhookSecret string `yaml:"webhook_secret"`
		// Requests stuck in awaiting_approval/signing longer than this
		// are failed by the watchdog.
		StuckTimeoutMinutes int `yaml:"stuck_timeout_minutes"`
	} `yaml:"signer"`
	Settlement struct {
		Endpoint      string `yaml:"endpoint"`
		WebhookSecret string `yaml:"webhook_secret"`
	} `yaml:"settlement"`
	Scheduler struct {
		PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	} `yaml:"scheduler"`
	Policy struct {
		DefaultPerTransactionCents  int64 `yaml:"default_per_transaction_cents"`
		DefaultDailyLimitCents      int64 `yaml:"default_daily_limit_cents"`
		DefaultMonthlyLimitCents    int64 `yaml:"default_monthly_limit_cents"`
		DefaultRequire2FAAboveCents int64 `yaml:"default_require_2fa_above_cents"`
	} `yaml:"policy"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is an outbound audit-event notification target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Countdown.BaseMs <= 0 {
		return fmt.Errorf("config.countdown.base_ms must be positive")
	}
	if c.Countdown.MaxMs < c.Countdown.BaseMs {
		return fmt.Errorf("config.countdown.max_ms must be >= base_ms")
	}
	if c.Countdown.PerTenDollarsMs < 0 {
		return fmt.Errorf("config.countdown.per_ten_dollars_ms must not be negative")
	}
	if c.Approval.ExpiryMinutes <= 0 {
		return fmt.Errorf("config.approval.expiry_minutes must be positive")
	}
	if c.Scheduler.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config.scheduler.poll_interval_seconds must be positive")
	}
	if c.Signer.StuckTimeoutMinutes < 0 {
		return fmt.Errorf("config.signer.stuck_timeout_minutes must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "discard.yml")
}

// Load reads and validates config from the workspace, falling back to defaults
// when discard.yml does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Fields left unset
// inherit defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `countdown:
  # Higher-value transactions get proportionally more cancellation time,
  # capped to bound UX latency.
  base_ms: 5000
  per_ten_dollars_ms: 100
  max_ms: 30000

approval:
  expiry_minutes: 5

signer:
  endpoint: ""
  api_key: ""
  webhook_secret: ""
  stuck_timeout_minutes: 30

settlement:
  endpoint: ""
  webhook_secret: ""

scheduler:
  poll_interval_seconds: 1

policy:
  default_per_transaction_cents: 50000
  default_daily_limit_cents: 200000
  default_monthly_limit_cents: 2000000
  default_require_2fa_above_cents: 100000

webhooks: []
`
