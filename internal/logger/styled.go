package logger

import "log/slog"

// StyledLogger is the logging surface engine components take. It mirrors
// slog's levelled methods and adds With for per-carrier scoping, so a
// component can stamp every line with its connection id.
type StyledLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) StyledLogger
}

type styledLogger struct {
	logger *slog.Logger
}

func (sl *styledLogger) Debug(msg string, args ...any) {
	sl.logger.Debug(msg, args...)
}

func (sl *styledLogger) Info(msg string, args ...any) {
	sl.logger.Info(msg, args...)
}

func (sl *styledLogger) Warn(msg string, args ...any) {
	sl.logger.Warn(msg, args...)
}

func (sl *styledLogger) Error(msg string, args ...any) {
	sl.logger.Error(msg, args...)
}

func (sl *styledLogger) With(args ...any) StyledLogger {
	return &styledLogger{logger: sl.logger.With(args...)}
}
