package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(Config{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	log.Debug("job started", slog.String("manager", "import"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "DEBUG", entry["level"])
	assert.Equal(t, "job started", entry["msg"])
	assert.Equal(t, "import", entry["manager"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(Config{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "kept")
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(Config{Format: "console"}, &buf)
	require.NoError(t, err)

	log.Info("pipeline published", "ref", "roads")

	out := buf.String()
	assert.Contains(t, out, "pipeline published")
	assert.Contains(t, out, "ref=roads")
	assert.NotContains(t, out, "\x1b[", "colour is only used on a terminal stream")
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gwss.log")
	log, err := New(Config{Format: "json", Output: path})
	require.NoError(t, err)
	log.Info("hello")

	assert.FileExists(t, path)
}

func TestInvalidSettings(t *testing.T) {
	_, err := NewWithWriter(Config{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)

	_, err = NewWithWriter(Config{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}
