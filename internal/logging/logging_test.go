package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure(t *testing.T) {
	var buf bytes.Buffer
	l := configure(logrus.New(), &buf, "prod", "warn")
	assert.Equal(t, logrus.WarnLevel, l.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)

	l = configure(logrus.New(), &buf, "dev", "bogus")
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, l.Formatter)
}

func TestWatermillLogger(t *testing.T) {
	var buf bytes.Buffer
	l := configure(logrus.New(), &buf, "prod", "debug")

	wl := NewWatermillLogger(logrus.NewEntry(l)).With(watermill.LogFields{"topic": "seat-events"})
	wl.Error("publish failed", errors.New("boom"), watermill.LogFields{"attempt": 2})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "publish failed", line["msg"])
	assert.Equal(t, "seat-events", line["topic"])
	assert.Equal(t, "boom", line["error"])
	assert.EqualValues(t, 2, line["attempt"])

	buf.Reset()
	wl.Trace("hidden", nil)
	assert.Empty(t, buf.String())
}
