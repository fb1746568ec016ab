package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestLoggerFiltersByLevelAndTagsModule(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Info("Manager", "hidden %d", 1)
	l.Warn("Manager", "stream %s stalled", "abc")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[Manager]")
	assert.Contains(t, out, "stream abc stalled")
	assert.Equal(t, WARN, l.GetLevel())

	l.SetLevel(SILENT)
	buf.Reset()
	l.Error("Manager", "dropped")
	assert.Empty(t, buf.String())
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", DEBUG.String())
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}
