package model

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Mailbox.Port != 993 || !cfg.Mailbox.TLS {
		t.Errorf("mailbox = %+v", cfg.Mailbox)
	}
	if cfg.Mailbox.Window != time.Hour || cfg.Mailbox.FetchTimeout != 60*time.Second {
		t.Errorf("window = %s, fetch timeout = %s", cfg.Mailbox.Window, cfg.Mailbox.FetchTimeout)
	}
	if cfg.Monitor.Interval != time.Minute || cfg.Monitor.CleanupInterval != 6*time.Hour {
		t.Errorf("intervals = %s, %s", cfg.Monitor.Interval, cfg.Monitor.CleanupInterval)
	}
	if cfg.Monitor.Cooldown != 30*time.Minute || cfg.Monitor.Retention != 30*24*time.Hour {
		t.Errorf("cooldown = %s, retention = %s", cfg.Monitor.Cooldown, cfg.Monitor.Retention)
	}
	if cfg.Ledger.Driver != "sqlite" || !strings.HasSuffix(cfg.Ledger.DSN, "leadmail.db") {
		t.Errorf("ledger = %+v", cfg.Ledger)
	}
	if cfg.Extract.Strategy != StrategyPortal {
		t.Errorf("strategy = %q", cfg.Extract.Strategy)
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
mailbox:
  host: imap.dealer.example
  window: 24h
monitor:
  interval: 2m
sink:
  url: https://crm.example/leads
accounts:
  - address: 1@dealer.example
  - address: 2@dealer.example
    credential_ref: 2@dealer.example
    active: false
`)
	t.Setenv("LEADMAIL_SINK_TOKEN", "from-env")
	t.Setenv("LEADMAIL_MONITOR_INTERVAL", "5m")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Mailbox.Host != "imap.dealer.example" || cfg.Mailbox.Window != 24*time.Hour {
		t.Errorf("mailbox = %+v", cfg.Mailbox)
	}
	if cfg.Monitor.Interval != 5*time.Minute {
		t.Errorf("env did not override interval: %s", cfg.Monitor.Interval)
	}
	if cfg.Sink.URL != "https://crm.example/leads" || cfg.Sink.Token != "from-env" {
		t.Errorf("sink = %+v", cfg.Sink)
	}

	if len(cfg.Accounts) != 2 {
		t.Fatalf("accounts = %+v", cfg.Accounts)
	}
	if !cfg.Accounts[0].Active {
		t.Error("account without active flag should default to active")
	}
	if cfg.Accounts[1].Active || cfg.Accounts[1].CredentialRef != "2@dealer.example" {
		t.Errorf("second account = %+v", cfg.Accounts[1])
	}
}

func TestValidate(t *testing.T) {
	valid := func() *AppConfig {
		return &AppConfig{
			Mailbox: MailboxConfig{Window: time.Hour},
			Monitor: MonitorConfig{Interval: time.Minute, CleanupInterval: time.Hour},
			Ledger:  LedgerConfig{Driver: "sqlite"},
			Extract: ExtractConfig{Strategy: StrategyPortal},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr string
	}{
		{"valid", func(*AppConfig) {}, ""},
		{"postgres", func(c *AppConfig) { c.Ledger.Driver = "postgres" }, ""},
		{"unknown driver", func(c *AppConfig) { c.Ledger.Driver = "oracle" }, "ledger driver"},
		{"unknown strategy", func(c *AppConfig) { c.Extract.Strategy = "magic" }, "extract strategy"},
		{"llm without key", func(c *AppConfig) { c.Extract.Strategy = StrategyLLM }, "api_key"},
		{"llm with key", func(c *AppConfig) {
			c.Extract.Strategy = StrategyPortalThenLLM
			c.Extract.LLM.APIKey = "k"
		}, ""},
		{"zero window", func(c *AppConfig) { c.Mailbox.Window = 0 }, "window"},
		{"zero interval", func(c *AppConfig) { c.Monitor.Interval = 0 }, "intervals"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigRejectsInvalidFile(t *testing.T) {
	path := writeConfig(t, "ledger:\n  driver: oracle\n")
	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig accepted an unknown ledger driver")
	}
}
