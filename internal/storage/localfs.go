package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Filesystems where SQLite's file locking cannot be trusted.
var networkFSTypes = []string{"9p", "afpfs", "afs", "ceph", "cifs", "nfs", "smb2", "smbfs", "webdav"}

// errFSTypeUnknown is returned by fsType on platforms that cannot name a
// filesystem. The check passes in that case.
var errFSTypeUnknown = errors.New("filesystem type not reported on this platform")

// NetworkFSError reports a database path that resolves onto a network mount.
type NetworkFSError struct {
	Path   string
	FSType string
}

func (e *NetworkFSError) Error() string {
	return fmt.Sprintf("journal path %q is on network filesystem %q; SQLite requires a local filesystem for reliable locking. "+
		"Set journal.path to local disk or disable the journal with journal.enabled: false", e.Path, e.FSType)
}

// CheckLocalFilesystem fails with *NetworkFSError when path, or the closest
// parent that exists, is on a network filesystem.
func CheckLocalFilesystem(path string) error {
	return checkLocalFilesystem(path, fsType)
}

func checkLocalFilesystem(path string, typeOf func(string) (string, error)) error {
	if path == "" {
		return errors.New("sqlite path is empty")
	}
	dir, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}

	name, err := typeOf(dir)
	switch {
	case errors.Is(err, errFSTypeUnknown):
		return nil
	case err != nil:
		return fmt.Errorf("detect filesystem for %q: %w", dir, err)
	}
	if slices.Contains(networkFSTypes, strings.ToLower(strings.TrimSpace(name))) {
		return &NetworkFSError{Path: path, FSType: name}
	}
	return nil
}

// existingAncestor walks up from path to the first entry that exists, so a
// database that has not been created yet is checked against its mount.
func existingAncestor(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("nothing along %q exists", path)
		}
		p = parent
	}
}
