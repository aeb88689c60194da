// Package logging provides structured logging shared by every component.
package logging

import (
	"context"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// traceIDKey is the context key a request-scoped trace id is stored under.
type traceIDKey struct{}

// NewTraceID generates a fresh trace id for one outbound request or batch
// run, so its log lines can be correlated across retries.
func NewTraceID() string { return uuid.New().String() }

// WithTraceID attaches traceID to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceID returns the trace id attached to ctx, generating one on the fly
// if none is present.
func TraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey{}).(string); ok && id != "" {
		return id
	}
	return NewTraceID()
}

// Logger wraps logrus.Logger with a fixed component name attached to every
// entry.
type Logger struct {
	*logrus.Logger
	component string
}

// Config controls level and output format.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|text
}

// New builds a Logger for the named component.
func New(component string, cfg Config) *Logger {
	base := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		base.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	base.SetOutput(os.Stderr)

	return &Logger{Logger: base, component: component}
}

// NewDefault builds a Logger at info level with text output, for call sites
// that don't thread configuration through (tests, quick tools).
func NewDefault(component string) *Logger {
	return New(component, Config{Level: "info", Format: "text"})
}

// WithFields returns a logrus.Entry tagged with this logger's component and
// the supplied fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	merged := logrus.Fields{"component": l.component}
	for k, v := range fields {
		merged[k] = v
	}
	return l.Logger.WithFields(merged)
}

// WithError is a convenience wrapper around WithFields for the common
// error-plus-component case.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"component": l.component, "error": err})
}
