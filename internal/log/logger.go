package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
	file   *RotatingFile
)

// Options controls how the global logger is built.
type Options struct {
	Level  string
	Format string // json | text

	// FilePath, when set, mirrors all records into a size-capped log file.
	FilePath string
	MaxBytes int64

	// Stdout overrides the console writer (tests).
	Stdout io.Writer
}

// Setup initializes the global logger.
// logic: default to INFO. If level is invalid, fallback to INFO.
func Setup(level string) {
	_ = SetupWithOptions(Options{Level: level})
}

// SetupWithOptions initializes the global logger once. A file that cannot be
// opened is reported and the logger falls back to the console only.
func SetupWithOptions(opts Options) error {
	var setupErr error
	once.Do(func() {
		var out io.Writer = os.Stdout
		if opts.Stdout != nil {
			out = opts.Stdout
		}
		if opts.FilePath != "" {
			f, err := OpenRotatingFile(opts.FilePath, opts.MaxBytes)
			if err != nil {
				setupErr = err
			} else {
				file = f
				out = io.MultiWriter(out, f)
			}
		}

		handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
		var handler slog.Handler
		if strings.EqualFold(opts.Format, "text") {
			handler = slog.NewTextHandler(out, handlerOpts)
		} else {
			handler = slog.NewJSONHandler(out, handlerOpts)
		}
		logger = slog.New(handler)
		slog.SetDefault(logger)
	})
	return setupErr
}

// ParseLevel maps a configured level name onto a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Close flushes and closes the log file, if any.
func Close() error {
	if file == nil {
		return nil
	}
	return file.Close()
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithCall returns a logger with the call_id field set.
func WithCall(id string) *slog.Logger {
	return Get().With(slog.String("call_id", id))
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
