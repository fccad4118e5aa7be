package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWritesPID(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "run", "enginehost.lock")
	l, err := Acquire(lockPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Release() })

	pid, ok := HolderPID(lockPath)
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)
	assert.Equal(t, lockPath, l.Path())
}

func TestAcquireTwiceFails(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "enginehost.lock")
	first, err := Acquire(lockPath)
	require.NoError(t, err)

	_, err = Acquire(lockPath)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))
	assert.Contains(t, err.Error(), "pid")

	require.NoError(t, first.Release())
	require.NoError(t, first.Release())

	again, err := Acquire(lockPath)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestAcquireEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := Acquire("")
	assert.Error(t, err)
}

func TestHolderPIDGarbage(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "x.lock")
	require.NoError(t, os.WriteFile(p, []byte("nope"), 0o644))
	_, ok := HolderPID(p)
	assert.False(t, ok)
}
