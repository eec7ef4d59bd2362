package policy

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"protero/internal/interface/repository/logger"
)

func writeRules(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestShouldIntercept(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, `
intercept_domains:
  - "*.example.com"
  - api.test
bypass_domains:
  - Bank.Example.com
`)

	r, err := New(path, time.Hour, logger.NewWriter(io.Discard))
	require.NoError(t, err)
	defer r.Close()

	tests := []struct {
		target string
		want   bool
	}{
		{"www.example.com:443", true},
		{"a.b.example.com:443", true},
		{"API.test:8443", true},
		{"bank.example.com:443", false},
		{"example.com:443", false},
		{"other.org:443", false},
		{"api.test", true},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			assert.Equal(t, tt.want, r.ShouldIntercept(tt.target))
		})
	}
}

func TestShouldInterceptEmptyInterceptList(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, "bypass_domains: [\"*.internal\"]\n")

	r, err := New(path, time.Hour, logger.NewWriter(io.Discard))
	require.NoError(t, err)
	defer r.Close()

	assert.True(t, r.ShouldIntercept("example.com:443"))
	assert.False(t, r.ShouldIntercept("db.internal:443"))
}

func TestNewCreatesDefaultRuleFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	r, err := New(path, time.Hour, logger.NewWriter(io.Discard))
	require.NoError(t, err)
	defer r.Close()

	assert.FileExists(t, path)
	assert.True(t, r.ShouldIntercept("example.com:443"))
}

func TestNewInvalidRuleFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, "intercept_domains: {not: [a list\n")

	_, err := New(path, time.Hour, logger.NewWriter(io.Discard))
	assert.Error(t, err)
}

func TestWatchReloadsChangedRules(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, "bypass_domains: []\n")

	r, err := New(path, 10*time.Millisecond, logger.NewWriter(io.Discard))
	require.NoError(t, err)
	defer r.Close()
	require.True(t, r.ShouldIntercept("example.com:443"))

	writeRules(t, path, "bypass_domains: [example.com]\n")
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	assert.Eventually(t, func() bool {
		return !r.ShouldIntercept("example.com:443")
	}, 2*time.Second, 10*time.Millisecond)
}
