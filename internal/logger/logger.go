// Package logger provides named loggers for long-lived components.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the logging surface used throughout minibit.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Debugln(args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Infoln(args ...interface{})
	Warning(args ...interface{})
	Warningf(format string, args ...interface{})
	Warningln(args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Errorln(args ...interface{})
}

var root = logrus.New()

func init() {
	root.SetOutput(os.Stderr)
	root.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	if os.Getenv("MINIBIT_DEBUG") != "" {
		root.SetLevel(logrus.DebugLevel)
	}
}

// SetDebug enables or disables debug-level output globally.
func SetDebug(on bool) {
	if on {
		root.SetLevel(logrus.DebugLevel)
	} else {
		root.SetLevel(logrus.InfoLevel)
	}
}

type entry struct {
	*logrus.Entry
}

func (e entry) Warning(args ...interface{})                 { e.Entry.Warn(args...) }
func (e entry) Warningf(format string, args ...interface{}) { e.Entry.Warnf(format, args...) }
func (e entry) Warningln(args ...interface{})               { e.Entry.Warnln(args...) }

// New returns a logger whose output lines carry the given component name.
func New(name string) Logger {
	return entry{root.WithField("name", name)}
}
