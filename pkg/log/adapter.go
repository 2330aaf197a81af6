package log

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// BadgerLogrusAdapter implements badger.Logger interface using logrus
type BadgerLogrusAdapter struct {
	*logrus.Entry // Embed logrus Entry
}

// NewBadgerLogrusAdapter creates a new adapter
func NewBadgerLogrusAdapter(entry *logrus.Entry) *BadgerLogrusAdapter {
	return &BadgerLogrusAdapter{entry}
}

// Errorf logs an error message
func (l *BadgerLogrusAdapter) Errorf(f string, v ...interface{}) { l.Entry.Errorf(f, v...) }

// Warningf logs a warning message
func (l *BadgerLogrusAdapter) Warningf(f string, v ...interface{}) { l.Entry.Warningf(f, v...) }

// Infof logs an info message
func (l *BadgerLogrusAdapter) Infof(f string, v ...interface{}) { l.Entry.Infof(f, v...) }

// Debugf logs a debug message
func (l *BadgerLogrusAdapter) Debugf(f string, v ...interface{}) { l.Entry.Debugf(f, v...) }

// CronLogrusAdapter implements cron.Logger using logrus.
// cron's Info messages are noisy (one per tick), so they go to debug level.
type CronLogrusAdapter struct {
	entry *logrus.Entry
}

// NewCronLogrusAdapter creates a new adapter
func NewCronLogrusAdapter(entry *logrus.Entry) *CronLogrusAdapter {
	return &CronLogrusAdapter{entry: entry}
}

// Info logs routine scheduler messages
func (l *CronLogrusAdapter) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).Debug(msg)
}

// Error logs scheduler errors, including recovered job panics
func (l *CronLogrusAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).WithError(err).Error(msg)
}

// kvFields turns cron's alternating key/value pairs into logrus fields.
// A trailing key without a value is kept with an empty value.
func kvFields(keysAndValues []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		if i+1 < len(keysAndValues) {
			fields[key] = keysAndValues[i+1]
		} else {
			fields[key] = ""
		}
	}
	return fields
}
