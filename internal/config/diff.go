package config

import (
	"reflect"
	"sort"
	"strings"

	logx "clubledger/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (tokens, passwords) are reported as
// set/unset, never by value.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int("telegram.rate_per_sec", newCfg.Telegram.RatePerSec),
			logx.Bool("telegram.webhook_secret_set", strings.TrimSpace(newCfg.Telegram.WebhookSecret) != ""),
		)
	}

	if oldCfg.SMTP != newCfg.SMTP {
		changed = append(changed, "smtp")
		attrs = append(attrs,
			logx.Bool("smtp.enabled", strings.TrimSpace(newCfg.SMTP.Host) != ""),
			logx.String("smtp.host", strings.TrimSpace(newCfg.SMTP.Host)),
			logx.Bool("smtp.password_set", newCfg.SMTP.Password != ""),
		)
	}

	if oldCfg.Ledger != newCfg.Ledger {
		changed = append(changed, "ledger")
		attrs = append(attrs,
			logx.Int64("ledger.grace_threshold", newCfg.Ledger.GraceThreshold),
			logx.Int("ledger.grace_days", newCfg.Ledger.GraceDays),
		)
	}

	if oldCfg.Notify != newCfg.Notify {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.String("notify.reminder_every", strings.TrimSpace(newCfg.Notify.ReminderEvery)),
			logx.Int("notify.max_reminders", newCfg.Notify.MaxReminders),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Int("dispatch.queue_size", newCfg.Dispatch.QueueSize),
			logx.Int("dispatch.retry_max", newCfg.Dispatch.RetryMax),
		)
	}

	if oldCfg.Sweep != newCfg.Sweep {
		changed = append(changed, "sweep")
		attrs = append(attrs,
			logx.String("sweep.daily_at", strings.TrimSpace(newCfg.Sweep.DailyAt)),
			logx.Bool("sweep.assess_dues", newCfg.Sweep.AssessDues),
		)
	}

	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
