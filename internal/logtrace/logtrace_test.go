package logtrace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileLoggerWritesToPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.log")
	log, err := NewFileLogger(path, false)
	require.NoError(t, err)

	log.Info("test.origin", "hello")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "hello")
	assert.Contains(t, string(content), "test.origin")
}

func TestNewFileLoggerFailsOnMissingParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "does-not-exist.log")
	_, err := NewFileLogger(path, false)
	assert.Error(t, err, "parent directory must exist — NewFileLogger does not create directories")
}

func TestVerboseEnablesDebugOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.log")
	log, err := NewFileLogger(path, true)
	require.NoError(t, err)

	log.Debug("test.origin", "debug detail")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "debug detail")
}

func TestNonVerboseSuppressesDebugOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.log")
	log, err := NewFileLogger(path, false)
	require.NoError(t, err)

	log.Debug("test.origin", "debug detail")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(content), "debug detail")
}
