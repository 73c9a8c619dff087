// Package lockfile guards the data directory with an advisory file
// lock. The journals and the history store assume a single writer; a
// second process sharing them would race the commit-then-prune
// protocol.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrAlreadyLocked indicates another process holds the lock.
var ErrAlreadyLocked = errors.New("lock already held")

type Lock struct {
	path string
	f    *os.File
}

// Acquire takes the lock without blocking and records the holder pid
// in the file. When the lock is taken, the returned error wraps
// ErrAlreadyLocked and names the holder.
func Acquire(path string) (*Lock, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("lock path is empty")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		if errors.Is(err, ErrAlreadyLocked) {
			err = fmt.Errorf("%w by pid %s", ErrAlreadyLocked, holderPid(f))
		}
		_ = f.Close()
		return nil, err
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	// Unlock first; close always.
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}

// holderPid reads the pid the current holder wrote. Best-effort.
func holderPid(f *os.File) string {
	buf := make([]byte, 32)
	n, _ := f.ReadAt(buf, 0)
	s := strings.TrimSpace(string(buf[:n]))
	if s == "" {
		return "unknown"
	}
	return s
}
