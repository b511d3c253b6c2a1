package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"

	"water_monitor/config"
)

var (
	mu       sync.RWMutex
	base     = newConsoleLogger(os.Stderr, slog.LevelInfo)
	logFile  *os.File
	logLevel = new(slog.LevelVar)
)

// LogLevel constants
const (
	DEBUG = "debug"
	INFO  = "info"
	WARN  = "warn"
	ERROR = "error"
)

func newConsoleLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	}))
}

// parseLevel maps the configured level name, defaulting to INFO
func parseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init initializes the logging system using configuration
func Init(cfg *config.Config) error {
	mu.Lock()
	defer mu.Unlock()

	logLevel.Set(parseLevel(cfg.Logging.LogLevel))

	var handlers []slog.Handler
	if cfg.Logging.LogToConsole {
		handlers = append(handlers, tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
		}))
	}

	logPath := cfg.Logging.LogFile
	if logPath != "" {
		if !filepath.IsAbs(logPath) {
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to get current working directory: %w", err)
			}
			logPath = filepath.Join(cwd, logPath)
		}

		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", logPath, err)
		}
		logFile = f
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel}))
	}

	switch len(handlers) {
	case 0:
		base = slog.New(slog.NewTextHandler(io.Discard, nil))
	case 1:
		base = slog.New(handlers[0])
	default:
		base = slog.New(fanout(handlers))
	}

	base.Info("session started", "log_file", logPath, "log_level", logLevel.Level().String(),
		"log_to_console", cfg.Logging.LogToConsole)
	return nil
}

// Close closes the log file
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile == nil {
		return nil
	}
	base.Info("session ended")
	err := logFile.Close()
	logFile = nil
	base = newConsoleLogger(os.Stderr, logLevel)
	return err
}

// Slog returns the structured logger shared with libraries
func Slog() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func message(format string, v ...interface{}) string {
	return strings.TrimRight(fmt.Sprintf(format, v...), "\n")
}

// Printf prints formatted text to log (respects log level)
func Printf(format string, v ...interface{}) {
	Slog().Info(message(format, v...))
}

// Println prints a line to log (respects log level)
func Println(v ...interface{}) {
	Slog().Info(strings.TrimRight(fmt.Sprintln(v...), "\n"))
}

// Debugf prints formatted debug text
func Debugf(format string, v ...interface{}) {
	Slog().Debug(message(format, v...))
}

// Warnf prints formatted warning text
func Warnf(format string, v ...interface{}) {
	Slog().Warn(message(format, v...))
}

// Errorf prints formatted error text
func Errorf(format string, v ...interface{}) {
	Slog().Error(message(format, v...))
}

// Fatalf prints formatted fatal error and exits
func Fatalf(format string, v ...interface{}) {
	Slog().Error("FATAL: " + message(format, v...))
	Close()
	os.Exit(1)
}

// LogCommand logs the command being executed
func LogCommand(command string, args []string) {
	if len(args) > 1 {
		Slog().Info("command executed", "command", command, "args", args[1:])
		return
	}
	Slog().Info("command executed", "command", command)
}

// LogDivider prints a divider line for better log organization
func LogDivider() {
	Println(strings.Repeat("-", 60))
}

// LogResult logs a result with status
func LogResult(operation string, success bool, details string) {
	status := "SUCCESS"
	if !success {
		status = "FAILED"
	}
	if details != "" {
		Printf("%s: %s - %s", operation, status, details)
		return
	}
	Printf("%s: %s", operation, status)
}

// LogProgress logs progress information
func LogProgress(current, total int, item string) {
	Printf("Progress: [%d/%d] %s", current, total, item)
}

// fanout duplicates every record to each handler
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
