// Package branchlog wraps logrus with the subject-tagged call shape
// the teacher's fs.Debugf(name, format, args...) uses throughout its
// backends, without depending on the teacher's own fs package.
package branchlog

import (
	"github.com/sirupsen/logrus"
)

// Logger tags every line with a subject field identifying the object
// the log line concerns (a virtual path, a branch, a component name).
type Logger struct {
	entry *logrus.Entry
}

// New returns a Logger writing through base, or logrus.StandardLogger()
// if base is nil.
func New(base *logrus.Logger) *Logger {
	if base == nil {
		base = logrus.StandardLogger()
	}
	return &Logger{entry: logrus.NewEntry(base)}
}

// With returns a Logger scoped to component, used to tag every line
// from a package with e.g. component=vfs or component=remote.
func (l *Logger) With(component string) *Logger {
	return &Logger{entry: l.entry.WithField("component", component)}
}

func (l *Logger) Debugf(subject, format string, args ...interface{}) {
	l.entry.WithField("subject", subject).Debugf(format, args...)
}

func (l *Logger) Infof(subject, format string, args ...interface{}) {
	l.entry.WithField("subject", subject).Infof(format, args...)
}

func (l *Logger) Warnf(subject, format string, args ...interface{}) {
	l.entry.WithField("subject", subject).Warnf(format, args...)
}

func (l *Logger) Errorf(subject, format string, args ...interface{}) {
	l.entry.WithField("subject", subject).Errorf(format, args...)
}

// Fatalf logs at Fatal and exits the process, the teacher's idiom for
// unrecoverable startup errors (spec.md §6: non-zero exit on
// repository-not-found).
func (l *Logger) Fatalf(subject, format string, args ...interface{}) {
	l.entry.WithField("subject", subject).Fatalf(format, args...)
}
