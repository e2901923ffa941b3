package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
ledger_secret = "ledger-secret"
session_secret = "session-secret"

[[api_keys]]
key = "key-1"
secret = "secret-1"
`

// withTopLevel prepends extra top-level keys so they land before the
// [[api_keys]] table header.
func withTopLevel(extra string) string {
	return extra + minimalConfig
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfigFile(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":8084" {
		t.Fatalf("default listen = %q", cfg.ListenAddress)
	}
	if cfg.SessionTTL.std() != 30*time.Minute {
		t.Fatalf("default session ttl = %s", cfg.SessionTTL.std())
	}
	if cfg.AllowedTimestampSkew.std() != 2*time.Minute {
		t.Fatalf("default skew = %s", cfg.AllowedTimestampSkew.std())
	}
	// Unset nonce TTL derives from the skew so replays stay detectable for
	// the full acceptance window.
	if cfg.NonceTTL.std() != 4*time.Minute {
		t.Fatalf("derived nonce ttl = %s", cfg.NonceTTL.std())
	}
	if cfg.WebhookQueueCapacity != defaultTaskCapacity {
		t.Fatalf("default queue capacity = %d", cfg.WebhookQueueCapacity)
	}
	if cfg.SignatureDeadline.std() != 30*24*time.Hour {
		t.Fatalf("default signature deadline = %s", cfg.SignatureDeadline.std())
	}
}

func TestLoadConfigFileValues(t *testing.T) {
	cfg, err := LoadConfig(writeConfigFile(t, withTopLevel(`
listen = ":9000"
timestamp_skew = "1m"
nonce_ttl = "10m"
session_ttl = "2h"
webhook_queue_ttl = "30m"
external_ledger_url = "https://ledger.example.com"
`)))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9000" {
		t.Fatalf("listen = %q", cfg.ListenAddress)
	}
	if cfg.AllowedTimestampSkew.std() != time.Minute || cfg.NonceTTL.std() != 10*time.Minute {
		t.Fatalf("durations not decoded: skew=%s nonce=%s", cfg.AllowedTimestampSkew.std(), cfg.NonceTTL.std())
	}
	if cfg.SessionTTL.std() != 2*time.Hour || cfg.WebhookQueueTTL.std() != 30*time.Minute {
		t.Fatalf("durations not decoded: session=%s queue=%s", cfg.SessionTTL.std(), cfg.WebhookQueueTTL.std())
	}
	if cfg.ExternalLedgerURL != "https://ledger.example.com" {
		t.Fatalf("external url = %q", cfg.ExternalLedgerURL)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("PACT_GATEWAY_LISTEN", ":7777")
	t.Setenv("PACT_GATEWAY_LEDGER_SECRET", "env-ledger")
	t.Setenv("PACT_GATEWAY_SESSION_SECRET", "env-session")
	t.Setenv("PACT_GATEWAY_DB_PATH", "/tmp/env.db")

	cfg, err := LoadConfig(writeConfigFile(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":7777" {
		t.Fatalf("env listen override ignored: %q", cfg.ListenAddress)
	}
	if cfg.LedgerSecret != "env-ledger" || cfg.SessionSecret != "env-session" {
		t.Fatalf("env secret overrides ignored")
	}
	if cfg.DatabasePath != "/tmp/env.db" {
		t.Fatalf("env db path ignored: %q", cfg.DatabasePath)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing ledger secret", strings.Replace(minimalConfig, `ledger_secret = "ledger-secret"`, "", 1), "ledger secret"},
		{"missing session secret", strings.Replace(minimalConfig, `session_secret = "session-secret"`, "", 1), "session secret"},
		{"no api keys", "ledger_secret = \"a\"\nsession_secret = \"b\"\n", "no API keys"},
		{"blank api secret", strings.Replace(minimalConfig, `secret = "secret-1"`, `secret = ""`, 1), "api_keys[0]"},
		{"zero skew", withTopLevel("timestamp_skew = \"0s\"\n"), "timestamp_skew"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfigFile(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadConfigNonceTTLFloorsAtSkew(t *testing.T) {
	cfg, err := LoadConfig(writeConfigFile(t, withTopLevel("timestamp_skew = \"5m\"\nnonce_ttl = \"1m\"\n")))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NonceTTL.std() != 5*time.Minute {
		t.Fatalf("nonce ttl not floored to skew: %s", cfg.NonceTTL.std())
	}
}
