// Package logging builds the structured loggers StrataDB components share.
//
// Components take a *slog.Logger and derive their own with a "component"
// attribute. This package turns configuration (level, format, output,
// service name) into that root logger and owns the log file, if any.
//
// Basic usage:
//
//	logger, err := logging.New(logging.Config{Level: logging.LevelInfo, Service: "stratadb"})
//	if err != nil {
//		return err
//	}
//	defer logger.Close()
//	cfg := stratadb.DefaultConfig()
//	cfg.Logger = logger.Slog()
//	db, err := stratadb.Open(cfg)
//
// Tests use Discard.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Level represents log severity levels, ordered Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel parses a level name, case-insensitively. "WARNING" is accepted
// for LevelWarn.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO", "":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return LevelInfo, errors.Errorf("unknown log level %q", s)
	}
}

// Output destinations besides a file path.
const (
	OutputStderr = "stderr"
	OutputStdout = "stdout"
)

// Config configures a Logger. The zero value writes Info and above to
// stderr in text format.
type Config struct {
	// Level sets the minimum log level.
	Level Level

	// JSON selects JSON output instead of text.
	JSON bool

	// Output is "stderr", "stdout", or a file path. Parent directories of a
	// file path are created 0750; the file is opened for append, 0640.
	Output string

	// Service is added to every entry as the "service" attribute.
	Service string
}

// Logger owns a root slog.Logger and the file it writes to, if any.
type Logger struct {
	slog *slog.Logger
	file *os.File
	mu   sync.Mutex
}

// New creates a Logger.
func New(config Config) (*Logger, error) {
	logger := &Logger{}

	var w io.Writer
	switch config.Output {
	case "", OutputStderr:
		w = os.Stderr
	case OutputStdout:
		w = os.Stdout
	default:
		if err := os.MkdirAll(filepath.Dir(config.Output), 0750); err != nil {
			return nil, errors.Wrap(err, "creating log directory")
		}
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, errors.Wrap(err, "opening log file")
		}
		logger.file = file
		w = file
	}

	logger.slog = slog.New(newHandler(w, config))
	return logger, nil
}

// NewWithWriter creates a Logger writing to w (for testing).
func NewWithWriter(w io.Writer, config Config) *Logger {
	return &Logger{slog: slog.New(newHandler(w, config))}
}

func newHandler(w io.Writer, config Config) slog.Handler {
	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}
	var handler slog.Handler
	if config.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}
	return handler
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close syncs and closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	file := l.file
	l.file = nil
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return errors.Wrap(err, "sync log file")
	}
	return errors.Wrap(file.Close(), "close log file")
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
