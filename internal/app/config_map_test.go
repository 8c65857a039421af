package app

import (
	"context"
	"testing"
	"time"

	"clubledger/internal/config"
)

func validSample() *config.Config {
	return &config.Config{
		Storage:  config.StorageConfig{Path: "./club.db"},
		Telegram: config.TelegramConfig{Token: "123:abc"},
		Ledger:   config.LedgerConfig{GraceThreshold: 0, GraceDays: 5},
		Sweep:    config.SweepConfig{DailyAt: "09:00"},
	}
}

func TestValidateConfig(t *testing.T) {
	if err := validateConfig(context.Background(), validSample()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	mutations := map[string]func(*config.Config){
		"missing storage path": func(c *config.Config) { c.Storage.Path = " " },
		"missing token":        func(c *config.Config) { c.Telegram.Token = "" },
		"negative grace days":  func(c *config.Config) { c.Ledger.GraceDays = -1 },
		"bad daily_at":         func(c *config.Config) { c.Sweep.DailyAt = "9am" },
		"bad retry_base":       func(c *config.Config) { c.Dispatch.RetryBase = "soon" },
		"bad reminder_every":   func(c *config.Config) { c.Notify.ReminderEvery = "-1h" },
		"bad ops timeout":      func(c *config.Config) { c.Ops.ReadTimeout = "fast" },
	}
	for name, mutate := range mutations {
		cfg := validSample()
		mutate(cfg)
		if err := validateConfig(context.Background(), cfg); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

func TestMapNotifyConfigDefaults(t *testing.T) {
	cfg, err := mapNotifyConfig(config.NotifyConfig{})
	if err != nil {
		t.Fatalf("mapNotifyConfig: %v", err)
	}
	if cfg.ReminderEvery != 72*time.Hour || cfg.MaxReminders != 3 {
		t.Fatalf("defaults = %+v", cfg)
	}

	cfg, err = mapNotifyConfig(config.NotifyConfig{ReminderEvery: "24h", MaxReminders: 5})
	if err != nil {
		t.Fatalf("mapNotifyConfig: %v", err)
	}
	if cfg.ReminderEvery != 24*time.Hour || cfg.MaxReminders != 5 {
		t.Fatalf("explicit = %+v", cfg)
	}
}

func TestMapDispatchConfig(t *testing.T) {
	cfg, err := mapDispatchConfig(config.DispatchConfig{
		Workers:   4,
		RetryMax:  6,
		RetryBase: "500ms",
	})
	if err != nil {
		t.Fatalf("mapDispatchConfig: %v", err)
	}
	if cfg.Workers != 4 || cfg.RetryMax != 6 || cfg.RetryBase != 500*time.Millisecond {
		t.Fatalf("cfg = %+v", cfg)
	}

	if _, err := mapDispatchConfig(config.DispatchConfig{SendTimeout: "whenever"}); err == nil {
		t.Fatal("garbage send_timeout accepted")
	}
}

func TestWebhookPath(t *testing.T) {
	if got := webhookPath(""); got != "/telegram/webhook" {
		t.Fatalf("default = %q", got)
	}
	if got := webhookPath("hooks/tg"); got != "/hooks/tg" {
		t.Fatalf("relative = %q", got)
	}
	if got := webhookPath("/hooks/tg"); got != "/hooks/tg" {
		t.Fatalf("absolute = %q", got)
	}
}
