package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Chat    ChatConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultLogFile = "./gamenight.log"

// Service owns the log outputs. Apply swaps them without touching the
// Loggers already handed out.
type Service struct {
	mu   sync.Mutex
	file *os.File
	chat *chatSink

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg at once. A nil sender leaves the chat sink inert.
func New(cfg Config, sender Sender) (*Service, Logger) {
	s := &Service{chat: newChatSink(sender)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply is safe to call while other goroutines log. A log file that cannot
// be opened is reported on stderr and skipped.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(os.Stdout))
	}

	prev := s.file
	s.file = nil
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}

	if s.chat.configure(cfg.Chat) {
		writers = append(writers, s.chat)
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	// Lines already routed to the old file may still be in flight; closing
	// after the swap loses at most those.
	if prev != nil {
		_ = prev.Close()
	}
}

// Close stops the chat sink and closes the log file. Logging afterwards
// still works but the file output is gone.
func (s *Service) Close() error {
	s.chat.close(context.Background())

	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}
