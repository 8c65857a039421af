package config

// Config is the full on-disk configuration. All durations are Go duration
// strings (e.g. "500ms", "10s", "72h").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Telegram TelegramConfig `json:"telegram"`
	SMTP     SMTPConfig     `json:"smtp,omitempty"`
	Ledger   LedgerConfig   `json:"ledger"`
	Notify   NotifyConfig   `json:"notify,omitempty"`
	Dispatch DispatchConfig `json:"dispatch,omitempty"`
	Sweep    SweepConfig    `json:"sweep"`
	Ops      OpsConfig      `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type TelegramConfig struct {
	Token      string `json:"token"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	// WebhookSecret is checked against the bot API secret token header on
	// every inbound update. Empty disables the check.
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

// SMTPConfig configures the email channel. An empty host disables it.
type SMTPConfig struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from,omitempty"`
	StartTLS bool   `json:"starttls,omitempty"`
}

// LedgerConfig controls when an owing balance counts as overdue.
type LedgerConfig struct {
	// GraceThreshold is in minor currency units; balances at or below it
	// never go overdue.
	GraceThreshold int64 `json:"grace_threshold"`
	GraceDays      int   `json:"grace_days"`
}

// NotifyConfig controls reminder pacing.
type NotifyConfig struct {
	ReminderEvery string `json:"reminder_every,omitempty"` // default "72h"
	MaxReminders  int    `json:"max_reminders,omitempty"`  // default 3
}

// DispatchConfig controls the delivery pipeline. Workers and queue size
// are per channel.
type DispatchConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

// SweepConfig controls the scheduled jobs.
type SweepConfig struct {
	DailyAt string `json:"daily_at"` // "HH:MM", default "09:00"
	// MonthlyFee is the club default dues, minor units. 0 disables the
	// monthly assessment for athletes without an individual fee.
	MonthlyFee int64 `json:"monthly_fee,omitempty"`
	AssessDues bool  `json:"assess_dues,omitempty"`
}

// OpsConfig controls the operational HTTP server.
type OpsConfig struct {
	Addr         string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	WebhookPath  string `json:"webhook_path,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
