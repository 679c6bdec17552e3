package logger

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	blerrors "github.com/davidroman0O/blelink/errors"
)

func newBufferedLogrus(level logrus.Level) (*Logrus, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	l := logrus.New()
	l.SetOutput(buf)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	return NewLogrus(l), buf
}

func TestLogrusAdapter(t *testing.T) {
	log, buf := newBufferedLogrus(logrus.InfoLevel)

	log.Debug("hidden %d", 1)
	log.Info("connected to %s", "AA:BB")
	log.Warn("retrying %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "connected to AA:BB")
	assert.Contains(t, out, "level=warning")
}

func TestWithFields(t *testing.T) {
	log, buf := newBufferedLogrus(logrus.DebugLevel)

	child := WithFields(log, map[string]interface{}{"address": "AA:BB", "kind": "read"})
	child.Debug("task armed")

	// the text formatter quotes values holding a colon
	assert.Contains(t, buf.String(), `address="AA:BB"`)
	assert.Contains(t, buf.String(), "kind=read")
	assert.Contains(t, buf.String(), "task armed")

	noop := NewDefaultLogger()
	assert.Same(t, noop, WithFields(noop, map[string]interface{}{"x": 1}))
}

func TestWithError(t *testing.T) {
	log, buf := newBufferedLogrus(logrus.DebugLevel)

	err := blerrors.WithAddress(blerrors.New(blerrors.ErrPersistence, "disk full"), "AA:BB")
	WithError(log, err).Error("save failed: %v", err)
	assert.Contains(t, buf.String(), `address="AA:BB"`)
	assert.Contains(t, buf.String(), "disk full")

	assert.Same(t, log, WithError(log, fmt.Errorf("plain")))
	assert.Same(t, log, WithError(log, nil))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, logrus.WarnLevel, ParseLevel(" warn "))
	assert.Equal(t, logrus.InfoLevel, ParseLevel("loud"))
	assert.Equal(t, logrus.ErrorLevel, New("error").entry.Logger.GetLevel())
}
