package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full service configuration. Non-secret settings live in the
// TOML file; key material and the admin token come from the environment and
// are never written to disk.
type Config struct {
	Node      Node      `toml:"node"`
	Wallets   Wallets   `toml:"wallets"`
	Monitors  Monitors  `toml:"monitors"`
	Payout    Payout    `toml:"payout"`
	PriceFeed PriceFeed `toml:"pricefeed"`
	Energy    Energy    `toml:"energy"`
	Notify    Notify    `toml:"notify"`
	Admin     Admin     `toml:"admin"`
	Storage   Storage   `toml:"storage"`
	Log       Log       `toml:"log"`
}

type Node struct {
	URL           string  `toml:"url"`
	APIKey        string  `toml:"-"`
	USDTContract  string  `toml:"usdt_contract"`
	RatePerSecond float64 `toml:"rate_per_second"`
}

type Wallets struct {
	// ArbiterKeyHex signs the service leg of every 2-of-3 payout.
	ArbiterKeyHex string `toml:"-"`
	// FundingKeyHex controls the wallet that pays activation and fallback
	// TRX and receives sweeps.
	FundingKeyHex     string `toml:"-"`
	CommissionAddress string `toml:"commission_address"`
}

type Monitors struct {
	DepositIntervalMS  int64 `toml:"deposit_interval_ms"`
	DeadlineIntervalMS int64 `toml:"deadline_interval_ms"`
	GraceHours         int   `toml:"grace_hours"`
	BatchSize          int   `toml:"batch_size"`
	BatchPauseMS       int64 `toml:"batch_pause_ms"`
	ActivationTRX      int64 `toml:"activation_trx"`
}

type Payout struct {
	FallbackTRX     int64 `toml:"fallback_trx"`
	SweepReserveTRX int64 `toml:"sweep_reserve_trx"`
}

type PriceFeed struct {
	URL        string `toml:"url"`
	TTLSeconds int    `toml:"ttl_seconds"`
}

type Energy struct {
	Enabled       bool   `toml:"enabled"`
	URL           string `toml:"url"`
	APIKey        string `toml:"-"`
	DurationHours int    `toml:"duration_hours"`
}

type Notify struct {
	// WebhookURL is the bot gateway endpoint. Empty falls back to the
	// log notifier.
	WebhookURL string `toml:"webhook_url"`
	Token      string `toml:"-"`
}

type Admin struct {
	ListenAddress string `toml:"listen_address"`
	Token         string `toml:"-"`
}

type Storage struct {
	Path string `toml:"path"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	// File enables rotated file output alongside stderr when set.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// Load reads the TOML file at path (a missing file yields defaults), applies
// environment overrides, fills defaults and validates. Secrets are accepted
// from the environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers environment variables over the file. Getter injection keeps
// the tests hermetic.
func (c *Config) applyEnv(get func(string) string) {
	setString(&c.Wallets.ArbiterKeyHex, get("ARBITER_PRIVATE_KEY"))
	setString(&c.Wallets.FundingKeyHex, get("FUNDING_PRIVATE_KEY"))
	setString(&c.Wallets.CommissionAddress, get("COMMISSION_WALLET"))
	setString(&c.Node.URL, get("TRON_NODE_URL"))
	setString(&c.Node.APIKey, get("TRON_API_KEY"))
	setString(&c.Node.USDTContract, get("USDT_CONTRACT"))
	setString(&c.Admin.Token, get("ADMIN_TOKEN"))
	setString(&c.Energy.APIKey, get("ENERGY_API_KEY"))
	setString(&c.Notify.WebhookURL, get("NOTIFY_WEBHOOK_URL"))
	setString(&c.Notify.Token, get("NOTIFY_TOKEN"))
	setString(&c.Storage.Path, get("DB_PATH"))
	if v := get("DEPOSIT_CHECK_INTERVAL"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			c.Monitors.DepositIntervalMS = ms
		}
	}
	if v := get("MULTISIG_ACTIVATION_TRX"); v != "" {
		if trx, err := strconv.ParseInt(v, 10, 64); err == nil && trx > 0 {
			c.Monitors.ActivationTRX = trx
		}
	}
	if v := get("FALLBACK_TRX_AMOUNT"); v != "" {
		if trx, err := strconv.ParseInt(v, 10, 64); err == nil && trx > 0 {
			c.Payout.FallbackTRX = trx
		}
	}
}

func (c *Config) normalise() {
	if c.Node.URL == "" {
		c.Node.URL = "https://api.trongrid.io"
	}
	if c.Node.USDTContract == "" {
		c.Node.USDTContract = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
	}
	if c.Monitors.DepositIntervalMS <= 0 {
		c.Monitors.DepositIntervalMS = 30_000
	}
	if c.Monitors.DeadlineIntervalMS <= 0 {
		c.Monitors.DeadlineIntervalMS = 300_000
	}
	if c.Monitors.GraceHours <= 0 {
		c.Monitors.GraceHours = 12
	}
	if c.Monitors.BatchSize <= 0 {
		c.Monitors.BatchSize = 5
	}
	if c.Monitors.BatchPauseMS <= 0 {
		c.Monitors.BatchPauseMS = 2_000
	}
	if c.Monitors.ActivationTRX <= 0 {
		c.Monitors.ActivationTRX = 5
	}
	if c.Payout.FallbackTRX <= 0 {
		c.Payout.FallbackTRX = 30
	}
	if c.Payout.SweepReserveTRX <= 0 {
		c.Payout.SweepReserveTRX = 1
	}
	if c.PriceFeed.TTLSeconds <= 0 {
		c.PriceFeed.TTLSeconds = 300
	}
	if c.Energy.DurationHours <= 0 {
		c.Energy.DurationHours = 1
	}
	if c.Admin.ListenAddress == "" {
		c.Admin.ListenAddress = ":8081"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./trondeal.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 5
	}
	c.Node.URL = strings.TrimSuffix(c.Node.URL, "/")
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Wallets.ArbiterKeyHex) == "" {
		return fmt.Errorf("config: ARBITER_PRIVATE_KEY is required")
	}
	if strings.TrimSpace(c.Wallets.FundingKeyHex) == "" {
		return fmt.Errorf("config: FUNDING_PRIVATE_KEY is required")
	}
	if strings.TrimSpace(c.Wallets.CommissionAddress) == "" {
		return fmt.Errorf("config: wallets.commission_address is required")
	}
	if c.Energy.Enabled && strings.TrimSpace(c.Energy.URL) == "" {
		return fmt.Errorf("config: energy.url is required when energy rental is enabled")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

func (c *Config) DepositInterval() time.Duration {
	return time.Duration(c.Monitors.DepositIntervalMS) * time.Millisecond
}

func (c *Config) DeadlineInterval() time.Duration {
	return time.Duration(c.Monitors.DeadlineIntervalMS) * time.Millisecond
}

func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Monitors.GraceHours) * time.Hour
}

func (c *Config) BatchPause() time.Duration {
	return time.Duration(c.Monitors.BatchPauseMS) * time.Millisecond
}

func (c *Config) PriceTTL() time.Duration {
	return time.Duration(c.PriceFeed.TTLSeconds) * time.Second
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
