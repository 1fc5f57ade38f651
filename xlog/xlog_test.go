package xlog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerWritesLevelAndContext(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(newHandler(&buf, false, LevelTrace))
	defer SetOutput(NewTerminalHandler(nil, LevelInfo))

	log := New("component", "buffer")
	log.Warn("buffer exhausted", "pool", 128)

	out := buf.String()
	require.Contains(t, out, "WARN")
	require.Contains(t, out, "buffer exhausted")
	require.Contains(t, out, "component=buffer")
	require.Contains(t, out, "pool=128")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(newHandler(&buf, false, LevelWarn))
	defer SetOutput(NewTerminalHandler(nil, LevelInfo))

	Debug("should not appear")
	Warn("should appear")

	out := buf.String()
	require.False(t, strings.Contains(out, "should not appear"))
	require.True(t, strings.Contains(out, "should appear"))
}
