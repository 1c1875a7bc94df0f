package daemonize

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePidFileContainsOwnPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentineld.pid")
	require.NoError(t, WritePidFile(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	got, err := strconv.Atoi(strings.TrimSpace(string(content)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), got)
}

func TestRemovePidFileIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentineld.pid")
	require.NoError(t, WritePidFile(path))
	require.NoError(t, RemovePidFile(path))
	assert.NoError(t, RemovePidFile(path), "removing an already-removed pidfile is not an error")
}
