package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesFileAndConsole(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var console bytes.Buffer

	l, err := newLogger(dir, "debug", &console)
	require.NoError(t, err)
	l.Debug("claimed item", "key", "conv:slack/default/c1")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(filepath.Join(dir, "courier.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "claimed item")
	assert.Contains(t, string(data), "key=conv:slack/default/c1")
	assert.Contains(t, console.String(), "claimed item")
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestNilLoggerCloses(t *testing.T) {
	var l *Logger
	assert.NoError(t, l.Close())
}
