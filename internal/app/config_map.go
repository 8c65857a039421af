package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"clubledger/internal/channel/email"
	"clubledger/internal/config"
	"clubledger/internal/dispatch"
	"clubledger/internal/ledger"
	"clubledger/internal/notify"
	"clubledger/internal/ops"
	"clubledger/internal/storage"
	logx "clubledger/pkg/logx"
)

func mapLoggingConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func mapStorageConfig(c config.StorageConfig) (storage.Config, error) {
	if strings.TrimSpace(c.Path) == "" {
		return storage.Config{}, fmt.Errorf("storage.path: required")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: c.Path, BusyTimeout: busy}, nil
}

func mapLedgerConfig(c config.LedgerConfig) ledger.Config {
	return ledger.Config{
		GraceThreshold: c.GraceThreshold,
		GraceDays:      c.GraceDays,
	}
}

func mapNotifyConfig(c config.NotifyConfig) (notify.Config, error) {
	every, err := config.ParseDurationOrDefault("notify.reminder_every", c.ReminderEvery, 72*time.Hour)
	if err != nil {
		return notify.Config{}, err
	}
	max := c.MaxReminders
	if max <= 0 {
		max = 3
	}
	return notify.Config{ReminderEvery: every, MaxReminders: max}, nil
}

func mapSMTPConfig(c config.SMTPConfig) email.Config {
	return email.Config{
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		From:     c.From,
		StartTLS: c.StartTLS,
	}
}

func mapDispatchConfig(c config.DispatchConfig) (dispatch.Config, error) {
	base, err := config.ParseDurationOrDefault("dispatch.retry_base", c.RetryBase, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("dispatch.retry_max_delay", c.RetryMaxDelay, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", c.SendTimeout, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Workers:       c.Workers,
		QueueSize:     c.QueueSize,
		RetryMax:      c.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendTimeout:   sendTimeout,
	}, nil
}

func mapOpsConfig(c config.OpsConfig) (ops.Config, error) {
	read, err := config.ParseDurationOrDefault("ops.read_timeout", c.ReadTimeout, 0)
	if err != nil {
		return ops.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("ops.write_timeout", c.WriteTimeout, 0)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", c.IdleTimeout, 0)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Addr:         c.Addr,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}

// validateConfig gates config commits from the watcher. A snapshot that
// fails here is rejected and the previous one stays active.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if _, err := mapStorageConfig(cfg.Storage); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token: required")
	}
	if cfg.Ledger.GraceThreshold < 0 {
		return fmt.Errorf("ledger.grace_threshold: must be >= 0")
	}
	if cfg.Ledger.GraceDays < 0 {
		return fmt.Errorf("ledger.grace_days: must be >= 0")
	}
	if _, err := mapNotifyConfig(cfg.Notify); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg.Dispatch); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg.Ops); err != nil {
		return err
	}
	if v := strings.TrimSpace(cfg.Sweep.DailyAt); v != "" {
		if _, err := time.Parse("15:04", v); err != nil {
			return fmt.Errorf("sweep.daily_at: want HH:MM, got %q", cfg.Sweep.DailyAt)
		}
	}
	return nil
}
