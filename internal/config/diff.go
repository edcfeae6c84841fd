package config

import (
	"reflect"
	"sort"
	"strings"

	logx "gamenight/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// attrs for logging them. Tokens and DSNs are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || !reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		ot.PollTimeout != nt.PollTimeout || ot.CommandTimeout != nt.CommandTimeout || ot.Workers != nt.Workers {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	ns := newCfg.Storage
	if !reflect.DeepEqual(oldCfg.Storage, ns) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(ns.Driver)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(ns.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		attrs = append(attrs, logx.Int("task_engine.workers", newCfg.TaskEngine.Workers))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}
	if !reflect.DeepEqual(oldCfg.Reminder, newCfg.Reminder) {
		changed = append(changed, "reminder")
		attrs = append(attrs,
			logx.String("reminder.threshold", newCfg.Reminder.Threshold),
			logx.String("reminder.confirm_window", newCfg.Reminder.ConfirmWindow),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		attrs = append(attrs, logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec))
	}

	oo, no := oldCfg.Ops, newCfg.Ops
	if !reflect.DeepEqual(oo, no) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(no.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Catalog, newCfg.Catalog) {
		changed = append(changed, "catalog")
		attrs = append(attrs, logx.Int("catalog.subjects", len(newCfg.Catalog.Subjects)))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect on restart.
// Logging, moderators and the catalog are applied live.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "task_engine", "scheduler", "reminder", "notifier", "ops":
			out = append(out, s)
		}
	}
	return out
}
