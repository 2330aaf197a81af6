package log

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDiscardEntry() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func TestNewBadgerLogrusAdapter(t *testing.T) {
	adapter := NewBadgerLogrusAdapter(newDiscardEntry())
	assert.NotNil(t, adapter)
}

func TestBadgerLogrusAdapter_Methods(t *testing.T) {
	adapter := NewBadgerLogrusAdapter(newDiscardEntry())

	assert.NotPanics(t, func() { adapter.Errorf("error %s", "test") })
	assert.NotPanics(t, func() { adapter.Warningf("warning %d", 42) })
	assert.NotPanics(t, func() { adapter.Infof("info %v", true) })
	assert.NotPanics(t, func() { adapter.Debugf("debug") })
}

func TestCronLogrusAdapter(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	adapter := NewCronLogrusAdapter(logrus.NewEntry(logger))

	t.Run("info maps to debug with fields", func(t *testing.T) {
		hook.Reset()
		adapter.Info("wake", "now", "12:00", "entries", 1)
		require.Len(t, hook.Entries, 1)
		entry := hook.LastEntry()
		assert.Equal(t, logrus.DebugLevel, entry.Level)
		assert.Equal(t, "wake", entry.Message)
		assert.Equal(t, "12:00", entry.Data["now"])
		assert.Equal(t, 1, entry.Data["entries"])
	})

	t.Run("error carries err field", func(t *testing.T) {
		hook.Reset()
		adapter.Error(errors.New("boom"), "panic", "stack", "...")
		require.Len(t, hook.Entries, 1)
		entry := hook.LastEntry()
		assert.Equal(t, logrus.ErrorLevel, entry.Level)
		assert.EqualError(t, entry.Data[logrus.ErrorKey].(error), "boom")
	})

	t.Run("odd key count", func(t *testing.T) {
		hook.Reset()
		assert.NotPanics(t, func() { adapter.Info("dangling", "key") })
		assert.Equal(t, "", hook.LastEntry().Data["key"])
	})
}
