package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLockIsExclusivePerDirectory(t *testing.T) {
	dir := t.TempDir()

	locked, release, err := acquireLock(dir)
	require.NoError(t, err)
	require.True(t, locked)
	require.NotNil(t, release)

	// A second taker on the same directory is refused.
	again, _, err := acquireLock(dir)
	require.NoError(t, err)
	assert.False(t, again)

	// A different directory is an independent lock.
	other, otherRelease, err := acquireLock(t.TempDir())
	require.NoError(t, err)
	assert.True(t, other)
	otherRelease()

	// Releasing frees the original directory for the next run.
	release()
	third, thirdRelease, err := acquireLock(dir)
	require.NoError(t, err)
	assert.True(t, third)
	thirdRelease()
}
