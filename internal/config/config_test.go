package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  path: ./data/club.db
  busy_timeout: 5s
telegram:
  token: "123:abc"
  rate_per_sec: 3
  webhook_secret: "s3cret"
smtp:
  host: smtp.example.test
  port: 587
  from: club@example.test
  starttls: true
ledger:
  grace_threshold: 0
  grace_days: 5
notify:
  reminder_every: 72h
  max_reminders: 3
dispatch:
  workers: 2
  retry_max: 4
  retry_base: 2s
sweep:
  daily_at: "09:30"
  monthly_fee: 150000
  assess_dues: true
ops:
  addr: "127.0.0.1:8080"
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Telegram.WebhookSecret != "s3cret" {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Ledger.GraceDays != 5 {
		t.Fatalf("ledger = %+v", cfg.Ledger)
	}
	if cfg.Sweep.DailyAt != "09:30" || cfg.Sweep.MonthlyFee != 150000 || !cfg.Sweep.AssessDues {
		t.Fatalf("sweep = %+v", cfg.Sweep)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.yaml", sampleYAML+"\nfrobnicator: true\n")
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("unknown top-level field accepted")
	}

	path = writeConfig(t, "config.yaml", `
logging:
  level: info
  verbosity: high
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("unknown nested field accepted")
	}
}

func TestParseJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}},
  "storage": {"path": "./club.db"},
  "telegram": {"token": "t"},
  "ledger": {"grace_threshold": 0, "grace_days": 5},
  "sweep": {"daily_at": "09:00"}
}`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Storage.Path != "./club.db" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
}

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("dispatch.retry_base", "2s")
	if err != nil || d != 2*time.Second {
		t.Fatalf("d=%v err=%v", d, err)
	}
	if _, err := ParseDurationField("dispatch.retry_base", "-2s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if _, err := ParseDurationField("dispatch.retry_base", "two seconds"); err == nil {
		t.Fatal("garbage duration accepted")
	}
	d, err = ParseDurationOrDefault("notify.reminder_every", "", 72*time.Hour)
	if err != nil || d != 72*time.Hour {
		t.Fatalf("default d=%v err=%v", d, err)
	}
}

func TestReloadSkipsUnchangedContent(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// Same bytes on disk: nothing committed, nothing published.
	m.reload(context.Background())
	if got := m.Get(); got != cfg {
		t.Fatal("unchanged reload replaced the snapshot")
	}
	select {
	case <-sub:
		t.Fatal("unchanged reload published")
	default:
	}
}

func TestReloadRejectsInvalidSnapshot(t *testing.T) {
	path := writeConfig(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Ledger.GraceDays < 0 {
			return errors.New("grace_days must be >= 0")
		}
		return nil
	})
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	bad := strings.Replace(sampleYAML, "grace_days: 5", "grace_days: -1", 1)
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	m.reload(context.Background())
	if got := m.Get(); got != cfg {
		t.Fatal("rejected reload replaced the snapshot")
	}
	select {
	case <-sub:
		t.Fatal("rejected reload published")
	default:
	}
}

func TestReloadPublishesChangedSnapshot(t *testing.T) {
	path := writeConfig(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	next := strings.Replace(sampleYAML, "grace_days: 5", "grace_days: 7", 1)
	if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	m.reload(context.Background())

	select {
	case cfg := <-sub:
		if cfg.Ledger.GraceDays != 7 {
			t.Fatalf("published ledger = %+v", cfg.Ledger)
		}
		if m.Get() != cfg {
			t.Fatal("published snapshot is not the committed one")
		}
	default:
		t.Fatal("changed reload did not publish")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Ledger: LedgerConfig{GraceDays: 5}}
	newCfg := &Config{
		Ledger: LedgerConfig{GraceDays: 7},
		Sweep:  SweepConfig{DailyAt: "10:00"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) != 2 || changed[0] != "ledger" || changed[1] != "sweep" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}

	if changed, _ := SummarizeConfigChange(newCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}
}
