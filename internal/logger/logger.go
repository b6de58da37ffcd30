package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/jrick/logrotate/rotator"
)

// Logger defines the goobkv logging contract.
// Implementations should support standard log levels and be safe for concurrent use.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
}

// Level is the minimum severity a StdLogger writes.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a level name to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

const (
	defaultThresholdKB = 100 * 1000 // 100 MB logs by default.
	defaultMaxRolls    = 8          // keep 8 last logs by default.
)

// StdLogger wraps Go's standard logger to implement the logging contract.
// It is safe to change the level while other goroutines log.
type StdLogger struct {
	logger *log.Logger
	level  atomic.Int32
	closer io.Closer
}

func newStdLogger(w io.Writer, level Level, closer io.Closer) *StdLogger {
	l := &StdLogger{logger: log.New(w, "", log.LstdFlags), closer: closer}
	l.level.Store(int32(level))
	return l
}

// NewStdLogger creates a new StdLogger using Go's standard logger.
func NewStdLogger() *StdLogger {
	return newStdLogger(os.Stderr, LevelInfo, nil)
}

// NewFileLogger creates a StdLogger that writes to stderr and to a rotated
// log file at path. It'll create the file and its directory if they don't exist.
func NewFileLogger(path string, level Level) (*StdLogger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	r, err := rotator.New(path, defaultThresholdKB, false, defaultMaxRolls)
	if err != nil {
		return nil, fmt.Errorf("failed to create file rotator: %w", err)
	}
	return newStdLogger(io.MultiWriter(os.Stderr, r), level, r), nil
}

// SetLevel changes the minimum level written.
func (l *StdLogger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

func (l *StdLogger) enabled(level Level) bool {
	return Level(l.level.Load()) <= level
}

// Close releases the log file, if any.
func (l *StdLogger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *StdLogger) Info(msg string, args ...any) {
	if l.enabled(LevelInfo) {
		l.logger.Printf("[INFO] "+msg, args...)
	}
}

func (l *StdLogger) Warn(msg string, args ...any) {
	if l.enabled(LevelWarn) {
		l.logger.Printf("[WARN] "+msg, args...)
	}
}

func (l *StdLogger) Error(msg string, args ...any) {
	l.logger.Printf("[ERROR] "+msg, args...)
}

func (l *StdLogger) Debug(msg string, args ...any) {
	if l.enabled(LevelDebug) {
		l.logger.Printf("[DEBUG] "+msg, args...)
	}
}

type nop struct{}

func (nop) Info(string, ...any)  {}
func (nop) Warn(string, ...any)  {}
func (nop) Error(string, ...any) {}
func (nop) Debug(string, ...any) {}

// Nop discards everything.
var Nop Logger = nop{}

// Default provides a global default logger instance using Go's standard logger.
var Default Logger = NewStdLogger()
