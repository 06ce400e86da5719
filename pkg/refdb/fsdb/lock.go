package fsdb

import (
	"fmt"
	"os"
	"time"

	"github.com/odvcencio/refdb/pkg/refdb"
)

const (
	lockSuffix     = ".lock"
	lockRetryDelay = 5 * time.Millisecond

	// DefaultLockTimeout bounds how long a write waits for a held lock.
	DefaultLockTimeout = 2 * time.Second
)

// tryLock creates lockPath exclusively, failing at once if it exists.
func tryLock(lockPath string) (*os.File, error) {
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		return f, nil
	}
	if os.IsExist(err) {
		return nil, fmt.Errorf("%w: %s", refdb.ErrLocked, lockPath)
	}
	return nil, err
}

// acquireLock retries tryLock until wait elapses.
func acquireLock(lockPath string, wait time.Duration) (*os.File, error) {
	deadline := time.Now().Add(wait)
	for {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, nil
		}
		if os.IsExist(err) {
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("%w: timeout waiting for %s", refdb.ErrLocked, lockPath)
			}
			time.Sleep(lockRetryDelay)
			continue
		}
		return nil, err
	}
}

// lockFile is a held <path>.lock. Commit moves the written content over
// path; Release drops the lock without touching path. Both are final:
// later calls to release are no-ops.
type lockFile struct {
	path     string
	lockPath string
	f        *os.File
	done     bool
}

func (l *lockFile) commit(content []byte) error {
	if _, err := l.f.Write(content); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	err := l.f.Close()
	l.f = nil
	if err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(l.lockPath, l.path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	l.done = true
	return nil
}

func (l *lockFile) release() {
	if l.done {
		return
	}
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
	_ = os.Remove(l.lockPath)
	l.done = true
}
