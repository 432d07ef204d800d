package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"buildrunner/internal/logger"
)

func TestParseLevel(t *testing.T) {
	var testCases = []struct {
		given string
		then  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
	}
	for _, tt := range testCases {
		t.Run(tt.given, func(t *testing.T) {
			require.Equal(t, tt.then, logger.ParseLevel(tt.given))
		})
	}
}

func TestGet(t *testing.T) {
	require.NotNil(t, logger.Get())
}

func TestContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWriter(&buf, "debug")
	t.Cleanup(func() { logger.Init("info") })

	ctx := logger.WithAttrs(context.Background(), slog.String("run_id", "r-1"))
	ctx = logger.WithAttrs(ctx, slog.String("job", "deploy"))
	logger.Get().InfoContext(ctx, "status changed")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "status changed", record["msg"])
	require.Equal(t, "r-1", record["run_id"])
	require.Equal(t, "deploy", record["job"])
}

func TestContextAttrsDoNotDuplicateKeys(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWriter(&buf, "debug")
	t.Cleanup(func() { logger.Init("info") })

	ctx := logger.WithAttrs(context.Background(), slog.String("run_id", "r-1"), slog.String("job", "deploy"))
	ctx = logger.WithAttrs(ctx, slog.String("run_id", "r-2"))
	logger.Get().InfoContext(ctx, "job status changed", "job", "deploy", "status", "queued")

	line := buf.String()
	require.Equal(t, 1, strings.Count(line, `"job":`), line)
	require.Equal(t, 1, strings.Count(line, `"run_id":`), line)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "deploy", record["job"])
	require.Equal(t, "r-1", record["run_id"])
	require.Equal(t, "queued", record["status"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWriter(&buf, "warn")
	t.Cleanup(func() { logger.Init("info") })

	logger.Info("hidden")
	require.Zero(t, buf.Len())
	logger.Warn("shown", "key", "value")
	require.Contains(t, buf.String(), `"key":"value"`)
}
