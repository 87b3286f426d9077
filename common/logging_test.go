package common

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

// TestNewLogger tests level and format selection
func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		level     LogLevel
		wantLevel logrus.Level
	}{
		{name: "Debug", level: LogLevelDebug, wantLevel: logrus.DebugLevel},
		{name: "Info", level: LogLevelInfo, wantLevel: logrus.InfoLevel},
		{name: "Warn", level: LogLevelWarn, wantLevel: logrus.WarnLevel},
		{name: "Error", level: LogLevelError, wantLevel: logrus.ErrorLevel},
		{name: "UnknownDefaultsToInfo", level: "chatty", wantLevel: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultLoggerConfig()
			config.Level = tt.level

			logger := NewLogger(config)
			assert.Equal(t, tt.wantLevel, logger.GetLevel())
		})
	}
}

// TestNewLogger_JSONFormat tests the JSON formatter selection
func TestNewLogger_JSONFormat(t *testing.T) {
	config := DefaultLoggerConfig()
	config.Format = "json"

	logger := NewLogger(config)
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	config.Format = "text"
	logger = NewLogger(config)
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}

// TestDefaultLoggerConfig tests the defaults
func TestDefaultLoggerConfig(t *testing.T) {
	config := DefaultLoggerConfig()
	assert.Equal(t, LogLevelInfo, config.Level)
	assert.Equal(t, "text", config.Format)
	assert.Equal(t, "tsds_receiver", config.Service)
}

// TestOutputSplitter tests that writes report full length on both streams
func TestOutputSplitter(t *testing.T) {
	splitter := &OutputSplitter{}

	message := []byte("time=now level=info msg=ok\n")
	n, err := splitter.Write(message)
	assert.NoError(t, err)
	assert.Equal(t, len(message), n)

	message = []byte("time=now level=error msg=bad\n")
	n, err = splitter.Write(message)
	assert.NoError(t, err)
	assert.Equal(t, len(message), n)
}
