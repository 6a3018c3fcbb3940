package logging

import (
	"context"
	"fmt"
	"log/slog"

	pionlog "github.com/pion/logging"
)

// PionFactory routes pion's internal logging (ICE, DTLS, SCTP) into slog so
// engine diagnostics end up next to the negotiation logs.
type PionFactory struct {
	Logger *slog.Logger
}

var _ pionlog.LoggerFactory = (*PionFactory)(nil)

// NewLogger implements pionlog.LoggerFactory.
func (f *PionFactory) NewLogger(scope string) pionlog.LeveledLogger {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &pionLogger{logger: logger.With("pion", scope)}
}

type pionLogger struct {
	logger *slog.Logger
}

func (l *pionLogger) log(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level, msg)
}

// Pion's trace level is far too chatty to map onto debug.
func (l *pionLogger) Trace(msg string)                          {}
func (l *pionLogger) Tracef(format string, args ...interface{}) {}

func (l *pionLogger) Debug(msg string) { l.log(slog.LevelDebug, msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) {
	l.log(slog.LevelDebug, fmt.Sprintf(format, args...))
}

func (l *pionLogger) Info(msg string) { l.log(slog.LevelInfo, msg) }
func (l *pionLogger) Infof(format string, args ...interface{}) {
	l.log(slog.LevelInfo, fmt.Sprintf(format, args...))
}

func (l *pionLogger) Warn(msg string) { l.log(slog.LevelWarn, msg) }
func (l *pionLogger) Warnf(format string, args ...interface{}) {
	l.log(slog.LevelWarn, fmt.Sprintf(format, args...))
}

func (l *pionLogger) Error(msg string) { l.log(slog.LevelError, msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) {
	l.log(slog.LevelError, fmt.Sprintf(format, args...))
}
