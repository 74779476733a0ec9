package logger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPruneExpiredLogs(t *testing.T) {
	dir := t.TempDir()

	stale := filepath.Join(dir, "aether-20250101.log")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0644))
	old := time.Now().AddDate(0, 0, -30)
	require.NoError(t, os.Chtimes(stale, old, old))

	fresh := filepath.Join(dir, "aether-today.log")
	require.NoError(t, os.WriteFile(fresh, []byte("new"), 0644))

	other := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(other, []byte("keep"), 0644))
	require.NoError(t, os.Chtimes(other, old, old))

	removed, err := pruneExpiredLogs(dir, time.Now().AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
}

func TestPruneExpiredLogsMissingDir(t *testing.T) {
	removed, err := pruneExpiredLogs(filepath.Join(t.TempDir(), "absent"), time.Now())
	require.NoError(t, err)
	assert.Zero(t, removed)
}
