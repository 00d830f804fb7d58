package logging

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, TRACE, ParseLevel("trace"))
	assert.Equal(t, DEBUG, ParseLevel(" Debug "))
	assert.Equal(t, WARN, ParseLevel("warning"))
	assert.Equal(t, ERROR, ParseLevel("ERROR"))
	assert.Equal(t, INFO, ParseLevel("что-то"))
	assert.Equal(t, "WARN", WARN.String())
}

func TestConsoleLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger("test", Options{ConsoleLevel: WARN, Console: &buf})
	require.NoError(t, err)

	l.Info("скрытое сообщение")
	assert.Empty(t, buf.String(), "INFO не должен попасть в консоль при уровне WARN")

	l.Warn("видимое %d", 42)
	assert.Contains(t, buf.String(), "видимое 42")
	assert.Contains(t, buf.String(), "test")
}

func TestFileOutput(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	l, err := NewLogger("pipeline", Options{ConsoleLevel: ERROR, FileLevel: DEBUG, Dir: dir, Console: &buf})
	require.NoError(t, err)

	l.Debug("в файл")
	require.NoError(t, l.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(dir + "/" + entries[0].Name())
	require.NoError(t, err)
	assert.Contains(t, string(data), "в файл")
	assert.Empty(t, buf.String())
}

func TestManagerReusesLoggers(t *testing.T) {
	lm := NewLoggerManager(Options{ConsoleLevel: ERROR, Console: &bytes.Buffer{}})

	a := lm.GetComponentLogger("streaming")
	b := lm.GetComponentLogger("streaming")
	assert.Same(t, a, b)

	lm.GetComponentLogger("damage")
	assert.Equal(t, []string{"damage", "streaming"}, lm.ListComponents())
	assert.NoError(t, lm.CloseAll())
	assert.Empty(t, lm.ListComponents())
}
