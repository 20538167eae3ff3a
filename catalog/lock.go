package catalog

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// dirLock is the cross-process exclusion primitive spec.md section 4.1
// requires: an in-process sync.Mutex guarding the file lock from
// recursive acquisition by multiple goroutines in this process, composed
// with an advisory flock on a sentinel file guarding against other
// processes. Acquisition order is mutex-then-file-lock; release is the
// reverse, on every exit path, matching spec.md's "Resource scopes" note.
//
// This is the direct Go analogue of original_source/FileMessageQueue.py's
// Consumer.__mutex (a threading.Lock) composed with
// fcntl.lockf(fcntl.LOCK_EX) on a sentinel ".pid" file.
type dirLock struct {
	mu   sync.Mutex
	file *os.File
}

func openDirLock(path string) (*dirLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "catalog: open lockfile %s", path)
	}
	return &dirLock{file: f}, nil
}

// withLock acquires the mutex then the file lock, runs fn, and releases
// both in reverse order regardless of how fn returns (including panics).
func (l *dirLock) withLock(fn func() error) error {
	start := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_EX); err != nil {
		return errors.Wrap(err, "catalog: acquire directory lock")
	}
	metricCatalogLockWaitSeconds.Observe(time.Since(start).Seconds())
	defer unix.Flock(int(l.file.Fd()), unix.LOCK_UN) //nolint:errcheck

	return fn()
}

func (l *dirLock) close() error {
	return l.file.Close()
}
