// Package logger provides a context-field logging facade over logrus, the
// same pattern the rest of the corpus uses (logger.Ctx{...} fields attached
// to a message rather than formatted into it).
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Ctx is a set of structured fields attached to a log entry.
type Ctx map[string]any

// Logger wraps a logrus.Entry so that callers can carry context fields
// across a sequence of related log calls (e.g. all logging for one uid).
type Logger struct {
	entry *logrus.Entry
}

var base = logrus.New()

func init() {
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.InfoLevel)
}

// SetDebug raises or lowers the base logger's verbosity.
func SetDebug(debug bool) {
	if debug {
		base.SetLevel(logrus.DebugLevel)
		return
	}

	base.SetLevel(logrus.InfoLevel)
}

// AddContext returns a Logger that always carries the given fields.
func AddContext(fields Ctx) *Logger {
	return &Logger{entry: base.WithFields(logrus.Fields(fields))}
}

func (l *Logger) with(ctx Ctx) *logrus.Entry {
	if l == nil {
		if len(ctx) == 0 {
			return base.WithFields(nil)
		}

		return base.WithFields(logrus.Fields(ctx))
	}

	if len(ctx) == 0 {
		return l.entry
	}

	return l.entry.WithFields(logrus.Fields(ctx))
}

// Debug logs msg at debug level with optional extra context.
func Debug(msg string, ctx ...Ctx) { defaultLogger.Debug(msg, merge(ctx)...) }

// Info logs msg at info level with optional extra context.
func Info(msg string, ctx ...Ctx) { defaultLogger.Info(msg, merge(ctx)...) }

// Warn logs msg at warning level with optional extra context.
func Warn(msg string, ctx ...Ctx) { defaultLogger.Warn(msg, merge(ctx)...) }

// Error logs msg at error level with optional extra context.
func Error(msg string, ctx ...Ctx) { defaultLogger.Error(msg, merge(ctx)...) }

func merge(ctxs []Ctx) []Ctx { return ctxs }

var defaultLogger = &Logger{entry: base.WithFields(nil)}

// Debug logs msg at debug level, merging ctx into the logger's own context.
func (l *Logger) Debug(msg string, ctx ...Ctx) { l.with(firstOrEmpty(ctx)).Debug(msg) }

// Info logs msg at info level, merging ctx into the logger's own context.
func (l *Logger) Info(msg string, ctx ...Ctx) { l.with(firstOrEmpty(ctx)).Info(msg) }

// Warn logs msg at warning level, merging ctx into the logger's own context.
func (l *Logger) Warn(msg string, ctx ...Ctx) { l.with(firstOrEmpty(ctx)).Warn(msg) }

// Error logs msg at error level, merging ctx into the logger's own context.
func (l *Logger) Error(msg string, ctx ...Ctx) { l.with(firstOrEmpty(ctx)).Error(msg) }

func firstOrEmpty(ctx []Ctx) Ctx {
	if len(ctx) == 0 {
		return nil
	}

	return ctx[0]
}
