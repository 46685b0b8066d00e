// Package logrus adapts sirupsen/logrus to the varystore Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/tanguilp/varystore"
)

type Logger struct{ E *logrus.Entry }

var _ varystore.Logger = Logger{}

func (l Logger) Debug(msg string, f varystore.Fields) {
	l.E.WithFields(logrus.Fields(f)).Debug(msg)
}
func (l Logger) Info(msg string, f varystore.Fields) { l.E.WithFields(logrus.Fields(f)).Info(msg) }
func (l Logger) Warn(msg string, f varystore.Fields) { l.E.WithFields(logrus.Fields(f)).Warn(msg) }
func (l Logger) Error(msg string, f varystore.Fields) {
	l.E.WithFields(logrus.Fields(f)).Error(msg)
}
