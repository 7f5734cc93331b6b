package logging

import (
	"io"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger writes log messages to a rotating file
type Logger struct {
	entry  *log.Logger
	closer io.Closer
}

// Options configures the global logger
type Options struct {
	Path       string // Log file path; empty disables logging
	Verbose    bool   // Enables debug level
	MaxSizeMB  int    // Rotate after this many megabytes
	MaxBackups int    // Rotated files to keep
}

// Global logger instance (accessed atomically for thread-safety)
var globalLogger atomic.Pointer[Logger]

// InitWithOptions initializes the global logger. An empty Path disables logging.
func InitWithOptions(opts Options) error {
	if opts.Path == "" {
		return nil
	}

	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	maxBackups := opts.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 3
	}

	file := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}

	InitWithWriter(file, opts.Verbose)
	Info("=== WeConnect Log Started ===")
	return nil
}

// InitWithWriter installs a logger writing to w. Used by tests and by InitWithOptions.
func InitWithWriter(w io.Writer, verbose bool) {
	l := log.New()
	l.SetOutput(w)
	l.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		DisableColors:   true,
	})
	l.SetLevel(log.InfoLevel)
	if verbose {
		l.SetLevel(log.DebugLevel)
	}

	var closer io.Closer
	if c, ok := w.(io.Closer); ok {
		closer = c
	}
	globalLogger.Store(&Logger{entry: l, closer: closer})
}

// Close closes the global logger. Later log calls are dropped.
func Close() {
	logger := globalLogger.Swap(nil)
	if logger != nil && logger.closer != nil {
		logger.closer.Close()
	}
}

// Info logs an info message
func Info(format string, args ...any) {
	if logger := globalLogger.Load(); logger != nil {
		logger.entry.Infof(format, args...)
	}
}

// Error logs an error message
func Error(format string, args ...any) {
	if logger := globalLogger.Load(); logger != nil {
		logger.entry.Errorf(format, args...)
	}
}

// Warn logs a warning message
func Warn(format string, args ...any) {
	if logger := globalLogger.Load(); logger != nil {
		logger.entry.Warnf(format, args...)
	}
}

// Debug logs a debug message
func Debug(format string, args ...any) {
	if logger := globalLogger.Load(); logger != nil {
		logger.entry.Debugf(format, args...)
	}
}

// IsEnabled returns true if logging is enabled
func IsEnabled() bool {
	return globalLogger.Load() != nil
}

// IsDebug returns true if debug messages are written
func IsDebug() bool {
	logger := globalLogger.Load()
	return logger != nil && logger.entry.IsLevelEnabled(log.DebugLevel)
}
