package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/longform/internal/config"
)

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{
		Level:  "info",
		Format: "json",
	}

	logger := NewLoggerWithWriter(cfg, &buf)
	logger.Info("test message", slog.String("key", "value"))

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, `"key":"value"`)

	// Verify it's valid JSON
	var parsed map[string]any
	err := json.Unmarshal([]byte(output), &parsed)
	require.NoError(t, err)
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{
		Level:  "info",
		Format: "text",
	}

	logger := NewLoggerWithWriter(cfg, &buf)
	logger.Info("test message", slog.String("key", "value"))

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, "key=value")
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		name        string
		configLevel string
		logLevel    slog.Level
		shouldLog   bool
	}{
		{"debug logs at debug level", "debug", slog.LevelDebug, true},
		{"debug logs at info level", "debug", slog.LevelInfo, true},
		{"info does not log debug", "info", slog.LevelDebug, false},
		{"info logs at info level", "info", slog.LevelInfo, true},
		{"warn does not log info", "warn", slog.LevelInfo, false},
		{"warn logs at warn level", "warn", slog.LevelWarn, true},
		{"error does not log warn", "error", slog.LevelWarn, false},
		{"error logs at error level", "error", slog.LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			cfg := config.LoggingConfig{
				Level:  tt.configLevel,
				Format: "json",
			}

			logger := NewLoggerWithWriter(cfg, &buf)
			logger.Log(context.Background(), tt.logLevel, "test")

			if tt.shouldLog {
				assert.NotEmpty(t, buf.String())
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestNewLogger_CustomTimeFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{
		Level:      "info",
		Format:     "json",
		TimeFormat: "2006-01-02",
	}

	logger := NewLoggerWithWriter(cfg, &buf)
	logger.Info("test message")

	output := buf.String()
	today := time.Now().Format("2006-01-02")
	assert.Contains(t, output, today)
}

func TestTokenRedaction(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "info", Format: "json"}
	logger := NewLoggerWithWriter(cfg, &buf)

	type jobView struct {
		ID        string
		AuthToken string
	}

	logger.Info("claimed job", slog.Any("job", jobView{
		ID:        "job-1",
		AuthToken: "svc-bearer-abc123",
	}))

	output := buf.String()
	assert.Contains(t, output, "job-1")
	assert.NotContains(t, output, "svc-bearer-abc123")
}

func TestWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "info", Format: "json"}
	logger := NewLoggerWithWriter(cfg, &buf)

	loggerWithID := WithRequestID(logger, "req-123")
	loggerWithID.Info("test")

	assert.Contains(t, buf.String(), `"request_id":"req-123"`)
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "info", Format: "json"}
	logger := NewLoggerWithWriter(cfg, &buf)

	loggerWithComp := WithComponent(logger, "dispatcher")
	loggerWithComp.Info("test")

	assert.Contains(t, buf.String(), `"component":"dispatcher"`)
}

func TestWithSegment(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "info", Format: "json"}
	logger := NewLoggerWithWriter(cfg, &buf)

	WithSegment(logger, "seg-1", 3).Info("test")

	output := buf.String()
	assert.Contains(t, output, `"segment_id":"seg-1"`)
	assert.Contains(t, output, `"segment_index":3`)
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "info", Format: "json"}
	logger := NewLoggerWithWriter(cfg, &buf)

	loggerWithErr := WithError(logger, errors.New("something went wrong"))
	loggerWithErr.Info("test")

	assert.Contains(t, buf.String(), `"error":"something went wrong"`)
}

func TestWithError_Nil(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "info", Format: "json"}
	logger := NewLoggerWithWriter(cfg, &buf)

	loggerWithErr := WithError(logger, nil)
	loggerWithErr.Info("test")

	assert.NotContains(t, buf.String(), `"error"`)
}

func TestContextWithLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "info", Format: "json"}
	logger := NewLoggerWithWriter(cfg, &buf)

	ctx := ContextWithLogger(context.Background(), logger)
	extractedLogger := LoggerFromContext(ctx)

	extractedLogger.Info("from context")
	assert.Contains(t, buf.String(), "from context")
}

func TestLoggerFromContext_Default(t *testing.T) {
	ctx := context.Background()
	logger := LoggerFromContext(ctx)
	assert.NotNil(t, logger)
}

func TestContextWithRequestID(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-789")
	id := RequestIDFromContext(ctx)
	assert.Equal(t, "req-789", id)
}

func TestRequestIDFromContext_Empty(t *testing.T) {
	ctx := context.Background()
	id := RequestIDFromContext(ctx)
	assert.Empty(t, id)
}

func TestTimedOperation(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "info", Format: "json"}
	logger := NewLoggerWithWriter(cfg, &buf)

	ctx := context.Background()
	done := TimedOperation(ctx, logger, "test_operation")

	time.Sleep(10 * time.Millisecond)

	done()

	output := buf.String()
	assert.True(t, strings.Contains(output, "operation started"))
	assert.True(t, strings.Contains(output, "operation completed"))
	assert.Contains(t, output, "test_operation")
	assert.Contains(t, output, "duration")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // default
		{"", slog.LevelInfo},        // default
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := parseLevel(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestChainedWith(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "info", Format: "json"}
	logger := NewLoggerWithWriter(cfg, &buf)

	enrichedLogger := WithComponent(
		WithRequestID(
			WithJobID(logger, "job-chain"),
			"req-chain",
		),
		"worker",
	)

	enrichedLogger.Info("chained test")

	output := buf.String()
	assert.Contains(t, output, `"job_id":"job-chain"`)
	assert.Contains(t, output, `"request_id":"req-chain"`)
	assert.Contains(t, output, `"component":"worker"`)
}
