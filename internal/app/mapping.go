package app

import (
	"fmt"
	"strings"
	"time"

	"gamenight/internal/config"
	"gamenight/internal/notifier"
	"gamenight/internal/observability/ops"
	"gamenight/internal/reminder"
	"gamenight/internal/storage"
	"gamenight/internal/task/engine"
	"gamenight/internal/task/scheduler"
	"gamenight/internal/transport/telegram/router"
)

const (
	defaultStoragePath    = "./gamenight.db"
	defaultCommandTimeout = time.Minute
	// commandSlack is added on top of the confirmation window so the schedule
	// command still has time to store the event after the wait.
	commandSlack = 15 * time.Second
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" && strings.HasPrefix(driver, "sqlite") {
		path = defaultStoragePath
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	tc := cfg.TaskEngine
	out := engine.Config{
		Enabled:     true,
		Workers:     tc.Workers,
		QueueSize:   tc.QueueSize,
		HistorySize: tc.HistorySize,
		RetryMax:    tc.RetryMax,
	}
	if out.Workers <= 0 {
		out.Workers = 2
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 256
	}
	if out.HistorySize <= 0 {
		out.HistorySize = 200
	}
	if out.RetryMax <= 0 {
		out.RetryMax = 3
	}
	d, err := config.ParseDurationOrDefault("task_engine.default_timeout", tc.DefaultTimeout, 30*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	out.DefaultTimeout = d
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	jobTimeout, err := config.ParseDurationField("scheduler.job_timeout", sc.JobTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	requeue, err := config.ParseDurationOrDefault("scheduler.requeue_delay", sc.RequeueDelay, time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	tz := strings.TrimSpace(sc.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	return scheduler.Config{Timezone: tz, JobTimeout: jobTimeout, RequeueDelay: requeue}, nil
}

func mapReminderConfig(cfg *config.Config) (reminder.Config, error) {
	rc := cfg.Reminder
	threshold, err := config.ParseDurationOrDefault("reminder.threshold", rc.Threshold, 24*time.Hour)
	if err != nil {
		return reminder.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("reminder.confirm_window", rc.ConfirmWindow, 10*time.Second)
	if err != nil {
		return reminder.Config{}, err
	}
	lead, err := config.ParseDurationField("reminder.first_fire_lead", rc.FirstFireLead)
	if err != nil {
		return reminder.Config{}, err
	}
	if lead > 0 && lead <= threshold {
		return reminder.Config{}, fmt.Errorf("reminder.first_fire_lead (%s) must exceed reminder.threshold (%s) to have any effect", lead, threshold)
	}
	tz := strings.TrimSpace(rc.Timezone)
	if tz == "" {
		tz = strings.TrimSpace(cfg.Scheduler.Timezone)
	}
	return reminder.Config{
		Threshold:     threshold,
		ConfirmWindow: window,
		CancelKeyword: strings.TrimSpace(rc.CancelKeyword),
		FirstFireLead: lead,
		ReconcileSpec: strings.TrimSpace(rc.ReconcileSpec),
		Timezone:      tz,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	out := notifier.Config{
		Workers:         nc.Workers,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		BreakerFailures: nc.BreakerFailures,
		DirectMessages:  true,
	}
	if out.RetryMax == 0 {
		out.RetryMax = 2
	}
	if nc.DirectMessages != nil {
		out.DirectMessages = *nc.DirectMessages
	}

	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", nc.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationField("notifier.send_timeout", nc.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	if out.BreakerCooldown, err = config.ParseDurationField("notifier.breaker_cooldown", nc.BreakerCooldown); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, time.Minute)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Profiling:     oc.Profiling,
		ReadTimeout:   read,
		IdleTimeout:   idle,
	}, nil
}

// mapCommandOptions sizes the router. The timeout never undercuts the
// confirmation window.
func mapCommandOptions(cfg *config.Config, window time.Duration) (router.Options, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.command_timeout", cfg.Telegram.CommandTimeout, defaultCommandTimeout)
	if err != nil {
		return router.Options{}, err
	}
	if floor := window + commandSlack; timeout < floor {
		timeout = floor
	}
	return router.Options{Workers: cfg.Telegram.Workers, DefaultTimeout: timeout}, nil
}

// checkMappings runs every mapper so a reload that parses but cannot be
// applied is rejected before commit.
func checkMappings(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	rc, err := mapReminderConfig(cfg)
	if err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	_, err = mapCommandOptions(cfg, rc.ConfirmWindow)
	return err
}
