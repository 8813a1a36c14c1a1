package coord

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"annoflow/internal/common"
)

// GitLockFileName is the lock file created under the clones root directory.
const GitLockFileName = "git-operation.lock"

// GlobalGitLock is a system-wide mutual exclusion lock for Git publish
// operations. It is backed by an advisory file lock (flock) on shared
// storage, so independent worker processes operating on the same clones
// directory exclude each other.
//
// Acquisition is always non-blocking. Callers that fail to acquire the lock
// must report the contention to their caller instead of queueing, since the
// holder may be blocked on an unbounded network operation.
type GlobalGitLock struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// NewGlobalGitLock creates the lock handle for a given clones root directory.
// The lock file itself is created lazily on first acquisition.
func NewGlobalGitLock(clonesDirectory string) *GlobalGitLock {
	return &GlobalGitLock{path: filepath.Join(clonesDirectory, GitLockFileName)}
}

// TryAcquire attempts to take the lock without blocking. It returns false if
// another process (or another caller in this process) currently holds it.
func (l *GlobalGitLock) TryAcquire() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		// Already held by this handle.
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), common.DirPermissionNormal); err != nil {
		return false, fmt.Errorf("create lock directory: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, common.FilePermissionSecure)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("acquire lock: %w", err)
	}

	l.file = file
	return true, nil
}

// Release returns the lock. Releasing an unheld lock is a no-op.
func (l *GlobalGitLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return closeErr
}
