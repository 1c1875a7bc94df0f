// Package logtrace implements a uniform logging interface with two
// implementations (file sink, system-log sink) selected at construction by
// configuration — no global singleton.
//
// Logging goes through github.com/sirupsen/logrus; the syslog hook comes
// from logrus's own hooks/syslog package, used for the daemon variant's
// LOG_LOCAL1/LOG_NOTICE facility.
package logtrace

import (
	"log/syslog"
	"os"

	"github.com/sirupsen/logrus"
	logrus_syslog "github.com/sirupsen/logrus/hooks/syslog"
)

func openLogFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// Logger accepts (level, message, origin-location) tuples. Origin is a
// short "func:line"-style tag, passed by callers rather than recovered via
// runtime reflection, so tests can assert on it directly.
type Logger interface {
	Debug(origin, message string)
	Info(origin, message string)
	Warn(origin, message string)
	Error(origin, message string)
	Fatal(origin, message string)
}

type logrusLogger struct {
	l *logrus.Logger
}

// NewFileLogger returns a Logger that writes to path, for interactive mode.
// The daemon variant ignores log_file_path and uses NewSyslogLogger instead.
// verbose raises the logger's level to Debug; otherwise it stays at Info.
func NewFileLogger(path string, verbose bool) (Logger, error) {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	}

	f, err := openLogFile(path)
	if err != nil {
		return nil, err
	}
	l.SetOutput(f)
	return &logrusLogger{l: l}, nil
}

// NewSyslogLogger returns a Logger that forwards to the system log, for
// daemon mode.
func NewSyslogLogger(tag string) (Logger, error) {
	l := logrus.New()
	hook, err := logrus_syslog.NewSyslogHook("", "", syslog.LOG_LOCAL1|syslog.LOG_NOTICE, tag)
	if err != nil {
		return nil, err
	}
	l.AddHook(hook)
	l.SetOutput(discard{})
	return &logrusLogger{l: l}, nil
}

func (g *logrusLogger) Debug(origin, message string) {
	g.l.WithField("origin", origin).Debug(message)
}
func (g *logrusLogger) Info(origin, message string) {
	g.l.WithField("origin", origin).Info(message)
}
func (g *logrusLogger) Warn(origin, message string) {
	g.l.WithField("origin", origin).Warn(message)
}
func (g *logrusLogger) Error(origin, message string) {
	g.l.WithField("origin", origin).Error(message)
}
func (g *logrusLogger) Fatal(origin, message string) {
	g.l.WithField("origin", origin).Error(message)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
