package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultLevelOnInvalid(t *testing.T) {
	l, err := New(Config{Level: "nonsense", Console: true})
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, "info", l.Zerolog().GetLevel().String())
}

func TestNew_FileOutput(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "nested", "kapten.log")

	l, err := New(Config{Level: "debug", File: logPath})
	require.NoError(t, err)

	zl := l.Zerolog()
	zl.Info().Str("key", "value").Msg("hello")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), `"key":"value"`)
}

func TestWithSession_AttachesSessionID(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "kapten.log")

	l, err := New(Config{Level: "debug", File: logPath})
	require.NoError(t, err)

	sl := l.WithSession("sess-42")
	sl.Info().Msg("scoped")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session_id":"sess-42"`)
}

func TestRedactor_RedactsAPIKeys(t *testing.T) {
	r := NewRedactor()

	out := r.Redact("using key sk-ant-REDACTED for auth")
	assert.NotContains(t, out, "sk-ant-REDACTED")
	assert.Contains(t, out, "[REDACTED]")
}

func TestRedactor_WrapWriter(t *testing.T) {
	var buf bytes.Buffer
	r := NewRedactor()
	w := r.Wrap(&buf)

	_, err := w.Write([]byte("Bearer abc.def.ghi token"))
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "Bearer abc.def.ghi")
}

func TestRedactor_AddPattern(t *testing.T) {
	r := NewRedactor()
	require.NoError(t, r.AddPattern(`custom-[0-9]+`))
	assert.Error(t, r.AddPattern(`([`))

	out := r.Redact("value custom-12345 here")
	assert.Equal(t, "value [REDACTED] here", out)
}
