package logger

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

func TestRepositoryLevels(t *testing.T) {
	var buf bytes.Buffer
	r := NewWriter(&buf)
	r.SetLevel(WARN)

	r.Debug("debug message", nil)
	r.Info("info message", nil)
	r.Warn("warn message", map[string]interface{}{"domain": "example.com"})
	r.Error("error message", errors.New("boom"), nil)

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, `WARN warn message fields={"domain":"example.com"}`)
	assert.Contains(t, out, "ERROR error message error=boom")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		" WARN ":  WARN,
		"error":   ERROR,
		"info":    INFO,
		"unknown": INFO,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestRepositoryFile(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, "proxy.log", nil)
	require.NoError(t, err)

	r.Info("Starting proxy server", map[string]interface{}{"port": 8080})
	require.NoError(t, r.Close())

	data, err := os.ReadFile(filepath.Join(dir, "proxy.log"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "INFO Starting proxy server fields={\"port\":8080}\n"))
}

func TestStdLogger(t *testing.T) {
	var buf bytes.Buffer
	std := StdLogger(NewWriter(&buf), "client protocol error", map[string]interface{}{"listener": "example.com"})

	std.Printf("http: TLS handshake error from 127.0.0.1:5555: EOF")

	out := buf.String()
	assert.Contains(t, out, "WARN client protocol error")
	assert.Contains(t, out, `"detail":"http: TLS handshake error from 127.0.0.1:5555: EOF"`)
	assert.Contains(t, out, `"listener":"example.com"`)
}

func TestRepositoryJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	r := NewWriter(&buf)
	r.SetFormat(ParseFormat("JSON"))

	r.Error("Tunnel setup failed", errors.New("refused"), map[string]interface{}{"target": "example.com:443"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "Tunnel setup failed", entry["message"])
	assert.Equal(t, "refused", entry["error"])
	assert.Equal(t, map[string]interface{}{"target": "example.com:443"}, entry["fields"])
}

func TestRepositoryJSONFallsBackToText(t *testing.T) {
	var buf bytes.Buffer
	r := NewWriter(&buf)
	r.SetFormat(JSONFormat)

	r.Info("unencodable", map[string]interface{}{"ch": make(chan int)})
	assert.Contains(t, buf.String(), "INFO unencodable")
}

func TestParseFormat(t *testing.T) {
	assert.Equal(t, JSONFormat, ParseFormat(" json "))
	assert.Equal(t, TextFormat, ParseFormat("text"))
	assert.Equal(t, TextFormat, ParseFormat("yaml"))
}

func TestRepositoryRotatesAndKeepsBackups(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, "proxy.log", &RotationConfig{MaxSize: 64, MaxBackups: 2})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		r.Info("a message long enough to fill the log file quickly", nil)
	}
	require.NoError(t, r.Close())

	rotated, err := filepath.Glob(filepath.Join(dir, "proxy.log.*"))
	require.NoError(t, err)
	assert.Len(t, rotated, 2)
	assert.FileExists(t, filepath.Join(dir, "proxy.log"))
}

func TestCleanOldLogs(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "proxy.log")
	now := time.Now()

	touch := func(name string, age time.Duration) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
		mod := now.Add(-age)
		require.NoError(t, os.Chtimes(path, mod, mod))
		return path
	}
	expired := touch("proxy.log.20240101000000", 10*24*time.Hour)
	recent := touch("proxy.log.20240109000000", time.Hour)
	other := touch("other.log.20240101000000", 10*24*time.Hour)

	require.NoError(t, cleanOldLogs(base, &RotationConfig{MaxAge: 7 * 24 * time.Hour}, now))
	assert.NoFileExists(t, expired)
	assert.FileExists(t, recent)
	assert.FileExists(t, other)

	newest := touch("proxy.log.20240110000000", 0)
	require.NoError(t, cleanOldLogs(base, &RotationConfig{MaxBackups: 1}, now))
	assert.FileExists(t, newest)
	assert.NoFileExists(t, recent)
}

func TestRotateFileAvoidsOverwrite(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "proxy.log")
	now := time.Now()

	require.NoError(t, os.WriteFile(base, []byte("first"), 0644))
	first, err := rotateFile(base, now)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(base, []byte("second"), 0644))
	second, err := rotateFile(base, now)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}
