package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rongwang/fieldops-server/internal/config"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger(config.LogConfig{Level: "debug", Format: "text"})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)

	logger = NewLogger(config.LogConfig{Level: "nonsense"})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestLogError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LogConfig{Level: "info", Format: "json"})
	logger.SetOutput(&buf)

	LogError(logger, "sync", "Push", "audit write failed", map[string]string{"device_id": "d1"}, errors.New("boom"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "boom", entry["msg"])
	assert.Equal(t, "sync", entry["module"])
	assert.Equal(t, "Push", entry["funcName"])
	assert.Equal(t, "error", entry["level"])
	assert.NotNil(t, entry["data"])
}
