package config

import logx "gamenight/pkg/logx"

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m") and are parsed where they are used.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Reminder   ReminderConfig   `json:"reminder"`
	Notifier   NotifierConfig   `json:"notifier"`
	Ops        OpsConfig        `json:"ops"`
	Catalog    CatalogConfig    `json:"catalog"`
}

type TelegramConfig struct {
	Token string `json:"token" validate:"required"`
	// OwnerUserIDs are the moderators allowed to schedule and remove games.
	OwnerUserIDs []int64 `json:"owner_user_ids" validate:"min=1,dive,ne=0"`
	PollTimeout  string  `json:"poll_timeout,omitempty" validate:"omitempty,duration"`
	// CommandTimeout bounds a single command handler; the schedule command
	// waits through the confirmation window inside it.
	CommandTimeout string `json:"command_timeout,omitempty" validate:"omitempty,duration"`
	Workers        int    `json:"workers,omitempty" validate:"gte=0,lte=64"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// LoggingChat forwards WARN+ lines to a moderator chat.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id" validate:"required_if=Enabled true"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty" validate:"omitempty,oneof=debug info warn warning error"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

// StorageConfig selects the record store.
//
//	"storage": { "driver": "sqlite", "path": "./gamenight.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://bot@db/gamenight" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=memory sqlite sqlite3 postgres postgresql pg"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty" validate:"omitempty,duration"`
	MaxConns    int32  `json:"max_conns,omitempty" validate:"gte=0"`
}

// TaskEngineConfig runs fired jobs. Defaults: workers 2, queue_size 256,
// history_size 200, retry_max 3.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty" validate:"gte=0,lte=64"`
	QueueSize      int    `json:"queue_size,omitempty" validate:"gte=0"`
	DefaultTimeout string `json:"default_timeout,omitempty" validate:"omitempty,duration"`
	HistorySize    int    `json:"history_size,omitempty" validate:"gte=0"`
	RetryMax       int    `json:"retry_max,omitempty" validate:"gte=0,lte=20"`
}

type SchedulerConfig struct {
	// Timezone is the IANA zone cron entries run in.
	Timezone     string `json:"timezone,omitempty" validate:"omitempty,timezone"`
	JobTimeout   string `json:"job_timeout,omitempty" validate:"omitempty,duration"`
	RequeueDelay string `json:"requeue_delay,omitempty" validate:"omitempty,duration"`
}

type ReminderConfig struct {
	Threshold     string `json:"threshold,omitempty" validate:"omitempty,duration"`
	ConfirmWindow string `json:"confirm_window,omitempty" validate:"omitempty,duration"`
	CancelKeyword string `json:"cancel_keyword,omitempty"`
	FirstFireLead string `json:"first_fire_lead,omitempty" validate:"omitempty,duration"`
	ReconcileSpec string `json:"reconcile_spec,omitempty"`
	Timezone      string `json:"timezone,omitempty" validate:"omitempty,timezone"`
}

type NotifierConfig struct {
	Workers         int    `json:"workers,omitempty" validate:"gte=0,lte=64"`
	RatePerSec      int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
	RetryMax        int    `json:"retry_max,omitempty" validate:"gte=0,lte=10"`
	RetryBase       string `json:"retry_base,omitempty" validate:"omitempty,duration"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty" validate:"omitempty,duration"`
	SendTimeout     string `json:"send_timeout,omitempty" validate:"omitempty,duration"`
	BreakerFailures uint32 `json:"breaker_failures,omitempty"`
	BreakerCooldown string `json:"breaker_cooldown,omitempty" validate:"omitempty,duration"`
	// DirectMessages is a pointer so an omitted key keeps the default (on).
	DirectMessages *bool `json:"direct_messages,omitempty"`
}

// OpsConfig controls the health/metrics/profiling HTTP server.
//
// Prefer a loopback address. A non-loopback Addr needs a token or an
// explicit allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Profiling     bool   `json:"profiling,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty" validate:"omitempty,duration"`
	IdleTimeout   string `json:"idle_timeout,omitempty" validate:"omitempty,duration"`
}

// CatalogConfig seeds games and who owns them. Ownership editing is not a
// chat command, so this is where owners come from.
type CatalogConfig struct {
	Subjects []SubjectSeed `json:"subjects,omitempty" validate:"dive"`
}

type SubjectSeed struct {
	Name   string      `json:"name" validate:"required"`
	Owners []OwnerSeed `json:"owners,omitempty" validate:"dive"`
}

type OwnerSeed struct {
	UserID int64 `json:"user_id" validate:"required"`
	// Interested defaults to true when omitted.
	Interested *bool `json:"interested,omitempty"`
	// Days is a Monday-first 7 character mask like "1111100"; empty means any day.
	Days string `json:"days,omitempty" validate:"omitempty,len=7,weekdays"`
}

// Logx converts the section to the logger's own config.
func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    c.Chat.Enabled,
			ChatID:     c.Chat.ChatID,
			ThreadID:   c.Chat.ThreadID,
			MinLevel:   c.Chat.MinLevel,
			RatePerSec: c.Chat.RatePerSec,
		},
	}
}
