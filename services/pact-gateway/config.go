package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// APIKeyConfig describes a single API key + secret pair accepted by the gateway.
type APIKeyConfig struct {
	Key    string `toml:"key"`
	Secret string `toml:"secret"`
}

// Config captures runtime configuration for the pact gateway service.
type Config struct {
	ListenAddress        string         `toml:"listen"`
	Environment          string         `toml:"environment"`
	DatabasePath         string         `toml:"database_path"`
	SnapshotPath         string         `toml:"snapshot_path"`
	LedgerSecret         string         `toml:"ledger_secret"`
	SessionSecret        string         `toml:"session_secret"`
	SessionTTL           duration       `toml:"session_ttl"`
	AllowedTimestampSkew duration       `toml:"timestamp_skew"`
	NonceTTL             duration       `toml:"nonce_ttl"`
	APIKeys              []APIKeyConfig `toml:"api_keys"`

	WebhookQueueCapacity int      `toml:"webhook_queue_capacity"`
	WebhookHistorySize   int      `toml:"webhook_history_size"`
	WebhookQueueTTL      duration `toml:"webhook_queue_ttl"`

	ExternalLedgerURL   string   `toml:"external_ledger_url"`
	ConfirmPollInterval duration `toml:"confirm_poll_interval"`
	SignatureDeadline   duration `toml:"signature_deadline"`

	LogFile       string `toml:"log_file"`
	LogMaxSizeMB  int    `toml:"log_max_size_mb"`
	LogMaxBackups int    `toml:"log_max_backups"`
	LogMaxAgeDays int    `toml:"log_max_age_days"`
}

// duration lets TOML carry values like "2m" or "36h".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

func (d duration) std() time.Duration { return time.Duration(d) }

// LoadConfig reads the TOML file at path (when non-empty) and applies
// environment overrides for secrets so they can stay out of the file.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		ListenAddress:        ":8084",
		DatabasePath:         "pact-gateway.db",
		SnapshotPath:         "pact-ledger.json",
		SessionTTL:           duration(30 * time.Minute),
		AllowedTimestampSkew: duration(2 * time.Minute),
		WebhookQueueCapacity: defaultTaskCapacity,
		WebhookHistorySize:   defaultHistoryCapacity,
		WebhookQueueTTL:      duration(defaultQueueTTL),
		ConfirmPollInterval:  duration(5 * time.Second),
		SignatureDeadline:    duration(30 * 24 * time.Hour),
	}
	if strings.TrimSpace(path) != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("PACT_GATEWAY_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("PACT_GATEWAY_LEDGER_SECRET")); v != "" {
		cfg.LedgerSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("PACT_GATEWAY_SESSION_SECRET")); v != "" {
		cfg.SessionSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("PACT_GATEWAY_DB_PATH")); v != "" {
		cfg.DatabasePath = v
	}
	if v := strings.TrimSpace(os.Getenv("PACT_GATEWAY_SNAPSHOT_PATH")); v != "" {
		cfg.SnapshotPath = v
	}
	if v := strings.TrimSpace(os.Getenv("PACT_GATEWAY_EXTERNAL_LEDGER_URL")); v != "" {
		cfg.ExternalLedgerURL = v
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if cfg.NonceTTL.std() <= 0 {
		cfg.NonceTTL = duration(2 * cfg.AllowedTimestampSkew.std())
	}
	if cfg.NonceTTL.std() < cfg.AllowedTimestampSkew.std() {
		cfg.NonceTTL = cfg.AllowedTimestampSkew
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.LedgerSecret) == "" {
		return errors.New("ledger secret is required (config ledger_secret or PACT_GATEWAY_LEDGER_SECRET)")
	}
	if strings.TrimSpace(c.SessionSecret) == "" {
		return errors.New("session secret is required (config session_secret or PACT_GATEWAY_SESSION_SECRET)")
	}
	if len(c.APIKeys) == 0 {
		return errors.New("no API keys configured")
	}
	for i, entry := range c.APIKeys {
		if strings.TrimSpace(entry.Key) == "" || strings.TrimSpace(entry.Secret) == "" {
			return fmt.Errorf("api_keys[%d] must include key and secret", i)
		}
	}
	if c.AllowedTimestampSkew.std() <= 0 {
		return errors.New("timestamp_skew must be positive")
	}
	if c.SessionTTL.std() <= 0 {
		return errors.New("session_ttl must be positive")
	}
	return nil
}
