package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "gamenight/pkg/logx"
)

// ErrInvalid marks a configuration that parsed but failed validation.
var ErrInvalid = errors.New("invalid config")

// ConfigManager loads the config file, overlays GAMENIGHT_* environment
// variables, validates the result and republishes it on change.
type ConfigManager struct {
	path   string
	useEnv bool

	mu  sync.RWMutex
	cfg *Config

	// subsMu is held while sending so Unsubscribe never closes a channel
	// mid-send.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	// lastHash is the last committed content; editors often emit several
	// write events for one save.
	lastHash uint64
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, useEnv: true}
}

// SetEnvOverlay turns the GAMENIGHT_* overlay on or off. It is on by default.
func (m *ConfigManager) SetEnvOverlay(on bool) { m.useEnv = on }

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs an extra check run after Validate, before a reload
// is committed.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads the file and applies the environment overlay. It does not
// validate.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Decode(m.path, b)
	if err != nil {
		return nil, err
	}
	if m.useEnv {
		if err := ApplyEnv(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Decode parses JSON or YAML (chosen by the path's extension) strictly:
// unknown keys and trailing data are errors.
func Decode(path string, b []byte) (*Config, error) {
	format, jb := "json", b
	if isYAMLPath(path) {
		format = "yaml"
		var err error
		if jb, err = yamlToJSON(b); err != nil {
			return nil, err
		}
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("%w: trailing data", ErrInvalid)
		}
		return nil, err
	}
	return &cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Load parses, validates and commits the config. Startup uses it; a failure
// here is fatal.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
		// Slow subscribers lose the oldest pending config, never the newest.
		select {
		case ch <- cfg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
				m.logDebug("config update dropped; subscriber slow", logx.Int("queue_cap", cap(ch)))
			}
		}
	}
}

// Reload re-reads the file and publishes it when the content changed and it
// passes validation. It reports whether a new config was committed.
func (m *ConfigManager) Reload(ctx context.Context) (bool, error) {
	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.logDebug("config unchanged; skipping publish", logx.String("path", m.path))
		return false, nil
	}
	if err := Validate(cfg); err != nil {
		return false, err
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	m.logDebug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
	return true, nil
}

// Watch reloads on file changes until ctx ends. The directory is watched so
// editors that save by rename are still seen; bursts of events collapse into
// one reload after reloadDebounce.
func (m *ConfigManager) Watch(ctx context.Context) error {
	b := watchBackoff{cur: watchBackoffMin, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	reload := newDebouncer(reloadDebounce, func() {
		if _, err := m.Reload(ctx); err != nil {
			m.logWarn("config reload failed; keeping previous", logx.String("path", m.path), logx.Err(err))
		}
	})
	defer reload.stop()

	for ctx.Err() == nil {
		w, err := m.openWatcher()
		if err != nil {
			m.logWarn("config watch failed", logx.String("path", m.path), logx.Err(err))
			if !sleepCtx(ctx, b.next()) {
				return nil
			}
			continue
		}
		b.reset()
		m.watchLoop(ctx, w, reload)
		_ = w.Close()

		if ctx.Err() != nil {
			return nil
		}
		wait := b.next()
		m.logWarn("config watcher stopped; restarting", logx.String("path", m.path), logx.Duration("backoff", wait))
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
	return nil
}

const (
	reloadDebounce  = 250 * time.Millisecond
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

func (m *ConfigManager) openWatcher() (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		_ = w.Close()
		return nil, err
	}
	m.logDebug("config watcher started", logx.String("path", m.path))
	return w, nil
}

// watchLoop returns when ctx ends or the watcher breaks.
func (m *ConfigManager) watchLoop(ctx context.Context, w *fsnotify.Watcher, reload *debouncer) {
	file := filepath.Base(m.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op != 0 {
				m.logDebug("config change detected", logx.String("op", ev.Op.String()))
				reload.trigger()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok, errors.Is(err, fsnotify.ErrClosed):
				return
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.logWarn("config watch overflow; forcing reload", logx.Err(err))
				reload.trigger()
			case err != nil:
				m.logWarn("config watch error", logx.Err(err))
			}
		}
	}
}

func (m *ConfigManager) logWarn(msg string, fields ...logx.Field) {
	if !m.log.IsZero() {
		m.log.Warn(msg, fields...)
	}
}

func (m *ConfigManager) logDebug(msg string, fields ...logx.Field) {
	if !m.log.IsZero() {
		m.log.Debug(msg, fields...)
	}
}

type watchBackoff struct {
	cur time.Duration
	rng *rand.Rand
}

func (b *watchBackoff) next() time.Duration {
	wait := b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
	b.cur = min(b.cur*2, watchBackoffMax)
	return wait
}

func (b *watchBackoff) reset() { b.cur = watchBackoffMin }

type debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	fn    func()
	timer *time.Timer
}

func newDebouncer(delay time.Duration, fn func()) *debouncer {
	return &debouncer{delay: delay, fn: fn}
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
