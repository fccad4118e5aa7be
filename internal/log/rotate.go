package log

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultMaxBytes caps app.log at 1 MiB before it is rotated.
const DefaultMaxBytes int64 = 1 << 20

// RotatingFile is an io.Writer that keeps a single backup: when a write would
// push the file past its cap, the current file is renamed to <name>.old<ext>
// and a fresh one is started.
type RotatingFile struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	f        *os.File
	size     int64
}

// OpenRotatingFile opens (or creates) path for appending.
func OpenRotatingFile(path string, maxBytes int64) (*RotatingFile, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	r := &RotatingFile{path: path, maxBytes: maxBytes}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the active log file path.
func (r *RotatingFile) Path() string { return r.path }

// BackupPath returns where the previous generation is kept.
func (r *RotatingFile) BackupPath() string {
	ext := filepath.Ext(r.path)
	return strings.TrimSuffix(r.path, ext) + ".old" + ext
}

func (r *RotatingFile) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.f = f
	r.size = info.Size()
	return nil
}

func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		return 0, os.ErrClosed
	}
	if r.size > 0 && r.size+int64(len(p)) > r.maxBytes {
		// A failed rotation that kept a file open grows it past the cap
		// rather than losing the write.
		if err := r.rotateLocked(); err != nil && r.f == nil {
			return 0, err
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *RotatingFile) rotateLocked() error {
	if err := r.f.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	r.f = nil
	if err := os.Rename(r.path, r.BackupPath()); err != nil && !os.IsNotExist(err) {
		if openErr := r.open(); openErr != nil {
			return errors.Join(fmt.Errorf("rotate log file: %w", err), openErr)
		}
		return fmt.Errorf("rotate log file: %w", err)
	}
	return r.open()
}

// Close closes the underlying file. Further writes fail with os.ErrClosed.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
