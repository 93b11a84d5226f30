package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	logger := Init("test-service", slog.LevelInfo)
	require.NotNil(t, logger)
	assert.Same(t, logger.Handler(), slog.Default().Handler())
}

func TestInitWithFile_WritesRotatingFile(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	path := filepath.Join(t.TempDir(), "quotefeed.log")
	logger := InitWithFile("quotefeed", slog.LevelDebug, FileConfig{Path: path, MaxSizeMB: 1})
	logger.Debug("hello", "k", 1)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(raw), &line))
	assert.Equal(t, "quotefeed", line["service"])
	assert.Equal(t, "hello", line["msg"])
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	Component(base, "stream").Info("up")
	assert.Contains(t, buf.String(), `"component":"stream"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, TraceID(ctx))

	ctx = WithTraceID(ctx, "test-trace-123")
	assert.Equal(t, "test-trace-123", TraceID(ctx))
}

func TestGenerateTraceID(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 123456789, time.UTC)
	tid := GenerateTraceID("getLTP", ts)

	assert.True(t, strings.HasPrefix(tid, "getLTP-"), tid)
	assert.Contains(t, tid, "123456789")
}

func TestLogWithTrace(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, LogWithTrace(ctx))

	ctx = WithTraceID(ctx, "abc-123")
	assert.Len(t, LogWithTrace(ctx), 1)
}
