// Package metrics turns event bus traffic into Prometheus series.
package metrics

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"gamenight/internal/eventbus"
	"gamenight/internal/notifier"
	"gamenight/internal/task/engine"
	logx "gamenight/pkg/logx"
)

const namespace = "gamenight"

// Sink records reminder, notification and task events. Observations never
// block the publisher; the bus drops events for a slow sink instead.
type Sink struct {
	reg prometheus.Registerer
	log logx.Logger

	reminders     *prometheus.CounterVec
	notifications *prometheus.CounterVec
	tasks         *prometheus.CounterVec
	taskDuration  prometheus.Histogram
	queueDelay    prometheus.Histogram
	configReloads prometheus.Counter
}

func NewSink(reg prometheus.Registerer, log logx.Logger) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sink{reg: reg, log: log.With(logx.String("comp", "metrics"))}

	s.reminders = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reminder_events_total",
		Help:      "Reminder lifecycle transitions by stage.",
	}, []string{"stage"})
	s.notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Chat and direct message deliveries by stage, channel and outcome.",
	}, []string{"stage", "channel", "outcome"})
	s.tasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_total",
		Help:      "Task engine executions by outcome.",
	}, []string{"outcome"})
	s.taskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Task run time including retries.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
	s.queueDelay = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_queue_delay_seconds",
		Help:      "Time between a task being enqueued and a worker picking it up.",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
	})
	s.configReloads = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "config_reloads_total",
		Help:      "Configuration reloads that were applied.",
	})

	s.register(s.reminders, "reminder_events_total")
	s.register(s.notifications, "notifications_total")
	s.register(s.tasks, "tasks_total")
	s.register(s.taskDuration, "task_duration_seconds")
	s.register(s.queueDelay, "task_queue_delay_seconds")
	s.register(s.configReloads, "config_reloads_total")
	return s
}

// GaugeFunc exposes a value sampled at scrape time, such as queue length.
func (s *Sink) GaugeFunc(name, help string, fn func() float64) {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn)
	s.register(g, name)
}

// register logs instead of failing; a duplicate series is not worth a crash.
func (s *Sink) register(c prometheus.Collector, name string) {
	if s.reg == nil {
		return
	}
	if err := s.reg.Register(c); err != nil {
		s.log.Warn("metric registration failed", logx.String("metric", name), logx.Err(err))
	}
}

// Run consumes bus events until ctx ends or the subscription closes.
func (s *Sink) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			s.Observe(e)
		}
	}
}

// Observe records a single event. Unknown types are ignored.
func (s *Sink) Observe(e eventbus.Event) {
	switch {
	case strings.HasPrefix(e.Type, "reminder."):
		s.reminders.WithLabelValues(strings.TrimPrefix(e.Type, "reminder.")).Inc()

	case e.Type == eventbus.TypeNotifySent || e.Type == eventbus.TypeNotifyFailed:
		n, _ := e.Data.(notifier.NotificationEvent)
		outcome := "sent"
		if e.Type == eventbus.TypeNotifyFailed {
			outcome = "failed"
		}
		s.notifications.WithLabelValues(orUnknown(n.Stage), orUnknown(n.Channel), outcome).Inc()

	case e.Type == eventbus.TypeTaskStarted:
		if t, ok := e.Data.(engine.TaskEvent); ok {
			s.queueDelay.Observe(t.QueueDelay.Seconds())
		}
	case e.Type == eventbus.TypeTaskFinished || e.Type == eventbus.TypeTaskFailed:
		outcome := strings.TrimPrefix(e.Type, "task.")
		s.tasks.WithLabelValues(outcome).Inc()
		if t, ok := e.Data.(engine.TaskEvent); ok {
			s.taskDuration.Observe(t.Duration.Seconds())
		}
	case e.Type == eventbus.TypeTaskDropped:
		s.tasks.WithLabelValues("dropped").Inc()

	case e.Type == eventbus.TypeConfigReloaded:
		s.configReloads.Inc()
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
