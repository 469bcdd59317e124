// Package logging provides the framework's leveled logger. It is a thin
// layer over the standard log package; components receive a *Logger
// explicitly rather than reaching for a global.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type Level int

const (
	Trace Level = iota
	Debug
	Info
	Warn
	Error
	Fatal
)

func (l Level) String() string {
	switch l {
	case Trace:
		return "TRACE"
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	case Fatal:
		return "FATAL"
	}
	return "UNKNOWN"
}

// ParseLevel maps an options-file level string; unknown strings mean Info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return Trace
	case "debug":
		return Debug
	case "info":
		return Info
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	case "fatal":
		return Fatal
	}
	return Info
}

type Options struct {
	Level   Level
	File    string // empty disables the file sink
	Console bool
	Prefix  string
}

type Logger struct {
	mu     sync.Mutex
	level  Level
	out    *log.Logger
	file   *os.File
	prefix string
}

// New opens the configured sinks. The file sink's directory is created on
// demand; failure to open the file falls back to console-only.
func New(opts Options) (*Logger, error) {
	var sinks []io.Writer
	var f *os.File
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err == nil {
			f, _ = os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		}
		if f != nil {
			sinks = append(sinks, f)
		}
	}
	if opts.Console || len(sinks) == 0 {
		sinks = append(sinks, os.Stdout)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "[framework] "
	}
	return &Logger{
		level:  opts.Level,
		out:    log.New(io.MultiWriter(sinks...), prefix, log.LstdFlags|log.Lmicroseconds),
		file:   f,
		prefix: prefix,
	}, nil
}

// Nop returns a logger that discards everything. Used in tests.
func Nop() *Logger {
	return &Logger{level: Fatal + 1, out: log.New(io.Discard, "", 0)}
}

// WithPrefix returns a logger sharing this logger's sinks and level under a
// different component prefix.
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{
		level:  l.level,
		out:    log.New(l.out.Writer(), prefix, log.LstdFlags|log.Lmicroseconds),
		file:   nil, // owned by the root logger
		prefix: prefix,
	}
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

func (l *Logger) logf(level Level, format string, args ...any) {
	if level < l.level {
		return
	}
	l.out.Printf("%-5s %s", level, fmt.Sprintf(format, args...))
}

func (l *Logger) Tracef(format string, args ...any) { l.logf(Trace, format, args...) }
func (l *Logger) Debugf(format string, args ...any) { l.logf(Debug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(Info, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(Warn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(Error, format, args...) }

// Logf writes at an explicit level; used for relaying client log messages.
func (l *Logger) Logf(level Level, format string, args ...any) { l.logf(level, format, args...) }
