package backup

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "s3rotate-b.lock")

	first := NewPrefixLock(path)
	require.NoError(t, first.Lock())
	assert.True(t, fileExists(path))

	second := NewPrefixLock(path)
	err := second.Lock()
	assert.ErrorIs(t, err, ErrLocked)

	// a lock we never held leaves the file alone
	require.NoError(t, second.Unlock())
	assert.True(t, fileExists(path))

	require.NoError(t, first.Unlock())
	assert.True(t, fileExists(path), "the lock file outlives the lock")

	// the next holder locks the same file
	require.NoError(t, second.Lock())
	third := NewPrefixLock(path)
	assert.ErrorIs(t, third.Lock(), ErrLocked)
	require.NoError(t, second.Unlock())
	require.NoError(t, third.Lock())
	require.NoError(t, third.Unlock())
}
