package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := newWithOutput("debug", "json", &buf)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	log.WithField("job_id", "abc").Info("job admitted")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "abc", line["job_id"])
	assert.Equal(t, "job admitted", line["msg"])
}

func TestNew_InvalidLevelFallsBack(t *testing.T) {
	var buf bytes.Buffer
	log := newWithOutput("loud", "text", &buf)
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
	assert.Contains(t, buf.String(), "Invalid log level")
}
