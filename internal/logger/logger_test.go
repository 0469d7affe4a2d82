package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLogLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLogLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLogLevel("error"))
	require.Equal(t, LevelNone, ParseLogLevel("none"))
	require.Equal(t, slog.LevelInfo, ParseLogLevel(""))
}

func TestNewHandler_ProductionIsJSON(t *testing.T) {
	var buf bytes.Buffer
	slog.New(newHandler(&buf, slog.LevelInfo, "production")).Info("token refreshed", "company_id", 7)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "token refreshed", line["msg"])
	require.EqualValues(t, 7, line["company_id"])
}

func TestNewHandler_NoneDropsEverything(t *testing.T) {
	var buf bytes.Buffer
	slog.New(newHandler(&buf, LevelNone, "test")).Error("boom")
	require.Zero(t, buf.Len())
}
