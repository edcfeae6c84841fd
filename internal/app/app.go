package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"gamenight/internal/config"
	"gamenight/internal/eventbus"
	"gamenight/internal/metrics"
	"gamenight/internal/notifier"
	"gamenight/internal/observability/ops"
	"gamenight/internal/reminder"
	rtsup "gamenight/internal/runtime/supervisor"
	"gamenight/internal/storage"
	"gamenight/internal/task/engine"
	"gamenight/internal/task/scheduler"
	kit "gamenight/internal/transport"
	telegram "gamenight/internal/transport/telegram/adapter"
	"gamenight/internal/transport/telegram/router"
	logx "gamenight/pkg/logx"
)

const reconcileTimeout = time.Minute

// Adapter is the chat transport the app runs on.
type Adapter interface {
	kit.Adapter
	Running() bool
}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	adapter Adapter

	engine *engine.Service
	sched  *scheduler.Service
	notif  *notifier.Service
	rem    *reminder.Service

	cmdm *router.CommandManager
	cmds *scheduleCommands

	reg     *prometheus.Registry
	metrics *metrics.Sink
	ops     *ops.Server

	updates chan kit.Update
	started time.Time
}

// New loads the config at cfgPath and wires every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	bootLog := logx.NewConsole("info").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return build(ctx, cfgm, ad)
}

func build(ctx context.Context, cfgm *config.ConfigManager, ad Adapter) (*App, error) {
	cfg := cfgm.Get()
	logSvc, log := logx.New(cfg.Logging.Logx(), ad)

	fail := func(err error) (*App, error) {
		_ = logSvc.Close()
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return fail(err)
	}
	store, err := storage.Open(ctx, sc, log)
	if err != nil {
		return fail(fmt.Errorf("open storage: %w", err))
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))
	if err := seedCatalog(ctx, store, cfg.Catalog, log.With(logx.String("comp", "catalog"))); err != nil {
		_ = store.Close()
		return fail(fmt.Errorf("seed catalog: %w", err))
	}

	bus := eventbus.New()

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		_ = store.Close()
		return fail(err)
	}
	eng := engine.New(engCfg, log.With(logx.String("comp", "task.engine")), bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = store.Close()
		return fail(err)
	}
	sched := scheduler.New(schedCfg, eng, store, log.With(logx.String("comp", "scheduler")), bus)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return fail(err)
	}
	notif := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus)

	rcfg, err := mapReminderConfig(cfg)
	if err != nil {
		_ = store.Close()
		return fail(err)
	}
	rem := reminder.New(rcfg, reminder.Deps{
		Events:    store,
		Catalog:   store,
		Scheduler: sched,
		Notifier:  notif,
	}, log.With(logx.String("comp", "reminder")), bus)

	sched.Handle(reminder.JobKind, rem.Fire)
	if err := sched.AddCron("reminder.reconcile", rem.Config().ReconcileSpec, reconcileTimeout, func(c context.Context) error {
		_, err := rem.Reconcile(c)
		return err
	}); err != nil {
		_ = store.Close()
		return fail(fmt.Errorf("reminder.reconcile_spec: %w", err))
	}

	opt, err := mapCommandOptions(cfg, rem.Config().ConfirmWindow)
	if err != nil {
		_ = store.Close()
		return fail(err)
	}
	cmdm := router.NewCommandManager(log.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerUserIDs, opt)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink := metrics.NewSink(reg, log)
	sink.GaugeFunc("jobs_armed", "Deferred reminder jobs with a live timer.", func() float64 {
		return float64(sched.Snapshot().Armed)
	})
	sink.GaugeFunc("task_queue_length", "Tasks waiting for an engine worker.", func() float64 {
		return float64(eng.Snapshot().QueueLen)
	})
	sink.GaugeFunc("eventbus_dropped_events", "Bus events dropped because a subscriber was full.", func() float64 {
		return float64(bus.Dropped())
	})

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		_ = store.Close()
		return fail(err)
	}
	opsSrv := ops.New(opsCfg, reg, log)

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		engine:  eng,
		sched:   sched,
		notif:   notif,
		rem:     rem,
		cmdm:    cmdm,
		cmds:    newScheduleCommands(rem),
		reg:     reg,
		metrics: sink,
		ops:     opsSrv,
		updates: make(chan kit.Update, 256),
	}

	opsSrv.AddCheck("storage", store.Ping)
	opsSrv.AddCheck("telegram", func(context.Context) error {
		if !ad.Running() {
			return errors.New("poller not running")
		}
		return nil
	})
	opsSrv.AddCheck("task_engine", func(context.Context) error {
		if !eng.Running() {
			return errors.New("engine not running")
		}
		return nil
	})
	opsSrv.SetStatus(a.status)
	return a, nil
}

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) status() any {
	return map[string]any{
		"uptime":    time.Since(a.started).Round(time.Second).String(),
		"engine":    a.engine.Snapshot(),
		"scheduler": a.sched.Snapshot(),
		"bus_drops": a.bus.Dropped(),
		"routines":  a.sup.Counters(),
	}
}

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	// transactional config reload: a config that cannot be mapped is rejected before commit
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return checkMappings(cfg)
	})

	// The engine must run before the scheduler restores overdue jobs.
	a.engine.Start(run)
	if err := a.sched.Start(run); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	a.cmdm.SetRegistry(run, a.cmds.commands())
	if err := a.adapter.Start(run, a.updates); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	a.sup.Go("metrics.sink", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	})
	if err := a.ops.Start(run); err != nil {
		// The bot works without its ops endpoints.
		a.log.Error("ops server not started", logx.Err(err))
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Catch events that lost their job while the process was down.
	a.sup.Go0("reminder.reconcile.startup", func(c context.Context) {
		rc, cancel := context.WithTimeout(c, reconcileTimeout)
		defer cancel()
		if _, err := a.rem.Reconcile(rc); err != nil && c.Err() == nil {
			a.log.Warn("startup reconcile failed", logx.Err(err))
		}
	})

	sub := a.cfgm.Subscribe(8)
	// Captured before the goroutine starts so a reload landing first is
	// still diffed against the config Start applied.
	lastApplied := a.cfgm.Get()
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the newest config matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("owners", len(a.cfgm.Get().Telegram.OwnerUserIDs)),
		logx.String("ops_addr", a.ops.Addr()),
	)
	return nil
}

// applyConfig applies the live parts of a committed config. Sections that are
// wired at startup are only reported.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	restart := config.RestartRequired(sections)
	if oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout ||
		oldCfg.Telegram.CommandTimeout != newCfg.Telegram.CommandTimeout || oldCfg.Telegram.Workers != newCfg.Telegram.Workers {
		restart = append(restart, "telegram")
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for these sections", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(newCfg.Logging.Logx())
	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)
	if !reflect.DeepEqual(oldCfg.Catalog, newCfg.Catalog) {
		if err := seedCatalog(ctx, a.store, newCfg.Catalog, a.log.With(logx.String("comp", "catalog"))); err != nil {
			a.log.Warn("catalog reseed incomplete", logx.Err(err))
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// Stop intake first, then the job pipeline, then the store everything writes to.
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("task.engine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
