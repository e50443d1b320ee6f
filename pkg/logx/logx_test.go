package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestWriterFieldsAndLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "timer"))

	log.Debug("hidden")
	log.Info("armed", Int("n", 3), Duration("in", time.Second), Err(nil), Strings("jobs", []string{"a"}))
	log.Warn("failed", Err(errors.New("boom")), String("comp", "override"))

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 2)
	assert.Equal(t, "armed", lines[0]["message"])
	assert.Equal(t, "timer", lines[0]["comp"])
	assert.EqualValues(t, 3, lines[0]["n"])
	assert.NotContains(t, lines[0], "err")
	assert.Contains(t, lines[0]["caller"], "logx_test.go:")

	assert.Equal(t, "warn", lines[1]["level"])
	assert.Equal(t, "boom", lines[1]["err"])
	assert.Equal(t, "override", lines[1]["comp"])

	assert.False(t, log.Enabled(LevelDebug))
	assert.True(t, log.Enabled(LevelWarn))
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Info("dropped")
	assert.False(t, zero.With(String("a", "b")).IsZero())
	assert.False(t, Nop().IsZero())
	assert.False(t, Nop().Enabled(LevelError))
}

func TestServiceApplySwapsSinks(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	second := filepath.Join(dir, "b.log")

	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: first}})
	child := log.With(String("comp", "test"))
	child.Debug("one")

	svc.Apply(Config{Level: "warn", File: FileConfig{Enabled: true, Path: second}})
	child.Info("filtered")
	child.Warn("two")
	require.NoError(t, svc.Close())

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	b, err := os.ReadFile(second)
	require.NoError(t, err)
	require.Len(t, decodeLines(t, a), 1)
	lines := decodeLines(t, b)
	require.Len(t, lines, 1)
	assert.Equal(t, "two", lines[0]["message"])
	assert.Equal(t, "test", lines[0]["comp"])
}

func TestValidLevel(t *testing.T) {
	for _, s := range []string{"", "trace", "DEBUG", " info ", "warning", "error"} {
		assert.True(t, ValidLevel(s), s)
	}
	assert.False(t, ValidLevel("verbose"))
	assert.Equal(t, LevelWarn, parseLevel("nope", LevelWarn))
}
