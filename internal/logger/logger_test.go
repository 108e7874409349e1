package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		entry := map[string]interface{}{}
		require.NoError(t, json.Unmarshal(line, &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestStructuredLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: LevelDebug, Format: FormatJSON}, &buf)

	log.Info("run started", "run_id", "abc", "priority", "batch")
	log.WithField("node", "sma").Debug("block finished", "duration_ms", 3)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "run started", entries[0]["msg"])
	assert.Equal(t, "abc", entries[0]["run_id"])
	assert.Equal(t, "batch", entries[0]["priority"])
	assert.Equal(t, "sma", entries[1]["node"])
	assert.Equal(t, float64(3), entries[1]["duration_ms"])
}

func TestStructuredLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: LevelWarn, Format: FormatJSON}, &buf)

	log.Info("hidden")
	log.Warn("shown")
	assert.Len(t, decodeLines(t, &buf), 1)

	child := log.WithField("k", "v")
	child.SetLevel(LevelDebug)
	assert.Equal(t, LevelDebug, log.GetLevel())

	log.SetLevel("nonsense")
	assert.Equal(t, LevelDebug, log.GetLevel())
}

func TestWithContextExtractsIDs(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: LevelInfo, Format: FormatJSON}, &buf)

	ctx := ContextWithRunID(context.Background(), "run-1")
	ctx = ContextWithRequestID(ctx, "req-9")
	log.WithContext(ctx).Info("status")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "run-1", entries[0]["run_id"])
	assert.Equal(t, "req-9", entries[0]["request_id"])
}

func TestPerformanceLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: LevelDebug, Format: FormatJSON}, &buf)
	perf := NewPerformanceLogger(log, 10*time.Millisecond)

	perf.LogPerformance("execute_block", time.Millisecond, map[string]interface{}{"node": "a"})
	perf.LogPerformance("execute_block", time.Second, nil)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "debug", entries[0]["level"])
	assert.Equal(t, "a", entries[0]["node"])
	assert.Equal(t, "warning", entries[1]["level"])
	assert.Equal(t, float64(1000), entries[1]["duration_ms"])
}

func TestLogManagerModuleLevels(t *testing.T) {
	var buf bytes.Buffer
	lm := NewLogManagerWithWriter(Config{
		Level:   LevelInfo,
		Format:  FormatJSON,
		Modules: map[string]LogLevel{"scheduler": LevelDebug, "api": LevelWarn},
	}, &buf)

	lm.GetLogger("scheduler").Debug("dispatch", "running", 2)
	lm.GetLogger("api").Info("request")
	lm.GetLogger("engine").Debug("hidden")
	lm.GetLogger("engine").Info("run finished")
	lm.Root().Info("started")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 3)
	assert.Equal(t, "scheduler", entries[0]["module"])
	assert.Equal(t, "engine", entries[1]["module"])
	assert.NotContains(t, entries[2], "module")

	assert.Same(t, lm.GetLogger("api"), lm.GetLogger("api"))
	lm.SetModuleLevel("api", LevelInfo)
	buf.Reset()
	lm.GetLogger("api").Info("request")
	assert.Len(t, decodeLines(t, &buf), 1)
	assert.NoError(t, lm.Close())
}
