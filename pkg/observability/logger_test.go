package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npmlens/npmlens/pkg/observability"
)

func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

	return record
}

func TestTracingHandler_AttachesServiceAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	inner := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(observability.NewTracingHandler(inner, "npmlens", "staging", "consume"))

	logger.Info("message")

	record := logLine(t, &buf)
	assert.Equal(t, "npmlens", record["service"])
	assert.Equal(t, "staging", record["env"])
	assert.Equal(t, "consume", record["component"])
}

func TestTracingHandler_NoTraceContextOutsideSpan(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	inner := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(observability.NewTracingHandler(inner, "npmlens", "", ""))

	logger.InfoContext(context.Background(), "message")

	record := logLine(t, &buf)
	assert.NotContains(t, record, "trace_id")
	assert.NotContains(t, record, "env")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.LevelError, observability.ParseLevel("error"))
	assert.Equal(t, slog.LevelWarn, observability.ParseLevel("warn"))
	assert.Equal(t, slog.LevelInfo, observability.ParseLevel("info"))
	assert.Equal(t, observability.LevelVerbose, observability.ParseLevel("verbose"))
	assert.Equal(t, observability.LevelTrace, observability.ParseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, observability.ParseLevel("bogus"))
}
