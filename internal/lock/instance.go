// Package lock keeps a single host instance per lock file.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another instance holds the lock.
var ErrLocked = errors.New("another instance is running")

// InstanceLock is an exclusive advisory lock on a file that also records the
// holder's PID. The lock lives as long as the handle.
type InstanceLock struct {
	path string
	lock *flock.Flock
}

// Acquire takes the lock at lockPath without blocking.
func Acquire(lockPath string) (*InstanceLock, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	fl := flock.New(lockPath)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		if pid, ok := HolderPID(lockPath); ok {
			return nil, fmt.Errorf("%w (pid %d, lock %s)", ErrLocked, pid, lockPath)
		}
		return nil, fmt.Errorf("%w (lock %s)", ErrLocked, lockPath)
	}

	if err := os.WriteFile(lockPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("write pid: %w", err)
	}
	return &InstanceLock{path: lockPath, lock: fl}, nil
}

// HolderPID reads the PID recorded in the lock file.
func HolderPID(lockPath string) (int, bool) {
	b, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func (l *InstanceLock) Path() string { return l.path }

// Release drops the lock. It is safe to call more than once.
func (l *InstanceLock) Release() error {
	if l == nil || l.lock == nil {
		return nil
	}
	err := l.lock.Unlock()
	l.lock = nil
	return err
}
