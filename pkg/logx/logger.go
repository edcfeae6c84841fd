package logx

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

// Logger is a value type; copies are cheap and safe to share. A Logger
// obtained from a Service follows the Service's current outputs, so a config
// reload reaches loggers handed out earlier. The zero value discards.
type Logger struct {
	svc     *Service
	base    zerolog.Logger
	hasBase bool
	fields  []Field
}

// Nop discards everything but, unlike the zero value, is not IsZero.
func Nop() Logger { return Logger{base: zerolog.Nop(), hasBase: true} }

// NewConsole is for output before the Service exists, such as config errors.
func NewConsole(level string) Logger {
	return standalone(consoleWriter(os.Stdout), parseLevel(level, LevelInfo))
}

// NewWriter writes JSON lines to w.
func NewWriter(w io.Writer, level string) Logger {
	return standalone(w, parseLevel(level, LevelDebug))
}

func standalone(w io.Writer, lvl Level) Logger {
	return Logger{base: zerolog.New(w).Level(lvl).With().Timestamp().Logger(), hasBase: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.hasBase && len(l.fields) == 0 }

func (l Logger) zl() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.hasBase:
		return l.base
	}
	return zerolog.Nop()
}

func (l Logger) Enabled(level Level) bool { return level >= l.zl().GetLevel() }

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append([]Field(nil), l.fields...), fields...)
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }

// emit must be called directly from a level method so the caller depth holds.
func (l Logger) emit(level Level, msg string, fields []Field) {
	zl := l.zl()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	apply(e, l.fields)
	apply(e, fields)
	e.Msg(msg)
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

// parseLevel accepts zerolog's names plus "warning".
func parseLevel(s string, def Level) Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		return LevelWarn
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return def
	}
	return lvl
}
