package state

import (
	"fmt"
	"os"
	"strconv"
)

// #region file-lock
// fileLock is the advisory writer lock held next to the state file.
// The lock file is left in place on release; only the OS lock matters.
type fileLock struct {
	f    *os.File
	path string
}

func lockPath(statePath string) string {
	return statePath + ".lock"
}

// acquireLock takes the exclusive writer lock without blocking.
func acquireLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, err
	}
	// Owner pid is informational, for humans looking at a stuck lock.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &fileLock{f: f, path: path}, nil
}

func (l *fileLock) release() error {
	uerr := unlockFile(l.f)
	cerr := l.f.Close()
	if uerr != nil {
		return fmt.Errorf("unlock %s: %w", l.path, uerr)
	}
	if cerr != nil {
		return fmt.Errorf("close lock file: %w", cerr)
	}
	return nil
}

// #endregion file-lock
