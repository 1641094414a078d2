package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithOutput_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(Config{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.WithField("table", "people").Warn("index missing")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "people", entry["table"])
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "index missing", entry["msg"])
}

func TestNewWithOutput_Level(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(Config{Level: "warn"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())

	logger.Info("dropped")
	assert.Empty(t, buf.String())
}

func TestNewWithOutput_Errors(t *testing.T) {
	_, err := NewWithOutput(Config{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)

	_, err = NewWithOutput(Config{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestOrDiscard(t *testing.T) {
	assert.NotNil(t, OrDiscard(nil))
	l := logrus.New()
	assert.Same(t, l, OrDiscard(l))
}
