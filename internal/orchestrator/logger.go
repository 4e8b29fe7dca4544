// Package orchestrator coordinates agents over the shared task store.
package orchestrator

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// pkgLogger is the package-level debug logger used by orchestrator components.
var pkgLogger *DebugLogger
var pkgLoggerMu sync.RWMutex

// setPackageLogger sets the package-level logger.
func setPackageLogger(l *DebugLogger) {
	pkgLoggerMu.Lock()
	defer pkgLoggerMu.Unlock()
	pkgLogger = l
}

// debugLog writes a message using the package-level logger.
// This is used by internal components (graph, sweeper, etc.) that don't
// have direct access to the coordinator's logger.
func debugLog(format string, args ...interface{}) {
	pkgLoggerMu.RLock()
	l := pkgLogger
	pkgLoggerMu.RUnlock()

	if l != nil {
		l.Log(format, args...)
	}
}

// DebugLogger provides debug logging for coordinator operations.
// It writes zerolog JSON lines to a file; the zero value discards everything.
type DebugLogger struct {
	mu     sync.Mutex
	file   *os.File
	logger zerolog.Logger
	active bool
}

// NewDebugLogger creates a logger writing to the specified path at level.
// If the path is empty, returns a no-op logger.
// Creates parent directories if they don't exist.
func NewDebugLogger(logPath, level string) (*DebugLogger, error) {
	if logPath == "" {
		return NopLogger(), nil
	}

	// Ensure parent directory exists
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	l := NewDebugLoggerTo(f, level)
	l.file = f
	l.logger.Info().Str("path", logPath).Msg("debug log started")
	return l, nil
}

// NewDebugLoggerTo creates a logger writing to w. Unknown levels fall back to debug.
func NewDebugLoggerTo(w io.Writer, level string) *DebugLogger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.DebugLevel
	}
	return &DebugLogger{
		logger: zerolog.New(w).Level(lvl).With().Timestamp().Str("component", "coord").Logger(),
		active: true,
	}
}

// NopLogger returns a no-op logger for testing or when logging is disabled.
func NopLogger() *DebugLogger {
	return &DebugLogger{logger: zerolog.Nop()}
}

// Log writes a formatted debug message.
// If the logger is nil or inactive, this is a no-op.
func (l *DebugLogger) Log(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active {
		l.logger.Debug().Msgf(format, args...)
	}
}

// Zerolog returns the underlying logger, for components such as HTTP
// middleware that log structured fields themselves.
func (l *DebugLogger) Zerolog() zerolog.Logger {
	if l == nil || !l.active {
		return zerolog.Nop()
	}
	return l.logger
}

// Close closes the log file.
// Safe to call on nil logger or logger without file.
func (l *DebugLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.active = false
	return l.file.Close()
}
