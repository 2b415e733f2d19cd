// Package logging provides the orchestrator's structured logger.
//
// zerolog is the primary trace logger for every component; a parallel
// logrus hook captures audit-relevant events (scheduler skips, broker
// reconciliation corrections) that must be queryable independently of
// the operational trace.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
)

var (
	base  zerolog.Logger
	audit *logrus.Logger
)

func init() {
	Configure("development")
}

// Configure sets up the base logger for the given environment ("development"
// or "production"). Development uses a human-readable console writer;
// production emits one JSON object per line.
func Configure(env string) {
	var w io.Writer = os.Stdout
	if env != "production" {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	base = zerolog.New(w).With().Timestamp().Logger()

	audit = logrus.New()
	audit.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	audit.SetOutput(os.Stdout)
}

// Logger is a component-scoped child of the base logger.
type Logger struct {
	z zerolog.Logger
}

// With returns a Logger tagged with component, and optionally workflow/
// session/run/stage context via WithFields.
func With(component string) *Logger {
	return &Logger{z: base.With().Str("component", component).Logger()}
}

// WithFields returns a derived Logger carrying the given key/value pairs.
func (l *Logger) WithFields(fields map[string]string) *Logger {
	ctx := l.z.With()
	for k, v := range fields {
		ctx = ctx.Str(k, v)
	}
	return &Logger{z: ctx.Logger()}
}

func (l *Logger) Debug(msg string)                       { l.z.Debug().Msg(msg) }
func (l *Logger) Debugf(format string, a ...interface{})  { l.z.Debug().Msgf(format, a...) }
func (l *Logger) Info(msg string)                         { l.z.Info().Msg(msg) }
func (l *Logger) Infof(format string, a ...interface{})   { l.z.Info().Msgf(format, a...) }
func (l *Logger) Warn(msg string)                         { l.z.Warn().Msg(msg) }
func (l *Logger) Warnf(format string, a ...interface{})   { l.z.Warn().Msgf(format, a...) }
func (l *Logger) Error(msg string)                        { l.z.Error().Msg(msg) }
func (l *Logger) Errorf(format string, a ...interface{})  { l.z.Error().Msgf(format, a...) }
func (l *Logger) ErrorErr(err error, msg string)           { l.z.Error().Err(err).Msg(msg) }

// Package-level convenience logger for call sites that don't need a
// component tag (mirrors the teacher's bare logger.Infof usage).
var pkg = With("orchestrator")

func Info(msg string)                        { pkg.Info(msg) }
func Infof(format string, a ...interface{})   { pkg.Infof(format, a...) }
func Warn(msg string)                         { pkg.Warn(msg) }
func Warnf(format string, a ...interface{})   { pkg.Warnf(format, a...) }
func Error(msg string)                        { pkg.Error(msg) }
func Errorf(format string, a ...interface{})  { pkg.Errorf(format, a...) }

// AuditEvent is a compliance-relevant event recorded to the audit side
// channel: scheduler overlap drops and reconciliation corrections.
type AuditEvent struct {
	Kind      string
	Workflow  string
	SessionID string
	Detail    string
}

// Audit records an AuditEvent to the logrus-backed audit stream.
func Audit(e AuditEvent) {
	audit.WithFields(logrus.Fields{
		"kind":       e.Kind,
		"workflow":   e.Workflow,
		"session_id": e.SessionID,
	}).Warn(e.Detail)
}
