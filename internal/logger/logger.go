package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level      string
	LogDir     string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	FileOutput bool
}

const (
	DefaultLogOutputName = "porter.log"

	LogLevelDebug   = "debug"
	LogLevelInfo    = "info"
	LogLevelWarn    = "warn"
	LogLevelWarning = "warning"
	LogLevelError   = "error"
)

// New builds the engine logger: JSON to stderr, optionally teed to a
// rotating file. The returned cleanup flushes and closes the file sink.
func New(cfg *Config) (StyledLogger, func(), error) {
	level := parseLevel(cfg.Level)

	var out io.Writer = os.Stderr
	cleanup := func() {}

	if cfg.FileOutput {
		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, DefaultLogOutputName),
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stderr, rotator)
		cleanup = func() { _ = rotator.Close() }
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	return &styledLogger{logger: slog.New(handler)}, cleanup, nil
}

// NewDiscard returns a logger that drops everything. Used by tests and as
// the default when no logger is configured.
func NewDiscard() StyledLogger {
	return &styledLogger{logger: slog.New(slog.DiscardHandler)}
}

// NewWithLogger wraps an externally built slog.Logger.
func NewWithLogger(l *slog.Logger) StyledLogger {
	return &styledLogger{logger: l}
}

func parseLevel(level string) slog.Level {
	switch level {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn, LogLevelWarning:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
