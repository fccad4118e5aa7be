package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedType(name string) func(string) (string, error) {
	return func(string) (string, error) { return name, nil }
}

func TestCheckLocalFilesystem_LocalPasses(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "calls.db")
	assert.NoError(t, checkLocalFilesystem(path, fixedType("apfs")))
	assert.NoError(t, checkLocalFilesystem(path, fixedType("0xef53")))
}

func TestCheckLocalFilesystem_NetworkRejected(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "calls.db")

	for _, name := range []string{"nfs", "SMBFS", " cifs ", "ceph"} {
		err := checkLocalFilesystem(path, fixedType(name))
		var nfsErr *NetworkFSError
		require.ErrorAs(t, err, &nfsErr, name)
		assert.Equal(t, path, nfsErr.Path)
		assert.Contains(t, err.Error(), "journal.enabled: false")
	}
}

func TestCheckLocalFilesystem_InspectsClosestExistingParent(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	path := filepath.Join(root, "a", "b", "calls.db")

	var seen string
	err := checkLocalFilesystem(path, func(p string) (string, error) {
		seen = p
		return "ext4", nil
	})
	require.NoError(t, err)
	assert.Equal(t, root, seen)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "a"), 0o755))
	require.NoError(t, checkLocalFilesystem(path, func(p string) (string, error) {
		seen = p
		return "ext4", nil
	}))
	assert.Equal(t, filepath.Join(root, "a"), seen)
}

func TestCheckLocalFilesystem_UnknownTypePasses(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "calls.db")
	err := checkLocalFilesystem(path, func(string) (string, error) { return "", errFSTypeUnknown })
	assert.NoError(t, err)
}

func TestCheckLocalFilesystem_DetectorError(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "calls.db")
	err := checkLocalFilesystem(path, func(string) (string, error) { return "", errors.New("statfs boom") })
	assert.ErrorContains(t, err, "statfs boom")
	assert.EqualError(t, checkLocalFilesystem("", fixedType("apfs")), "sqlite path is empty")
}

func TestCheckLocalFilesystem_ThisMachine(t *testing.T) {
	// The test temp dir is expected to be local disk.
	assert.NoError(t, CheckLocalFilesystem(filepath.Join(t.TempDir(), "calls.db")))
}
