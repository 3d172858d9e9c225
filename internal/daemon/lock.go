package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"

	"github.com/clawplaza/monody/internal/config"
)

// LockPath returns the path of the single-instance lock file.
func LockPath() string {
	return filepath.Join(config.Dir(), "monody.lock")
}

// AcquireLock takes an exclusive lock so only one bot runs per config
// directory.
func AcquireLock() (release func(), err error) {
	path := LockPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		pid, _ := readPID(path)
		return nil, fmt.Errorf("another monody instance is running (PID %d)", pid)
	}

	// The lock is on the inode; the PID is informational for Status.
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return func() {
		_ = os.Truncate(path, 0)
		_ = fl.Unlock()
	}, nil
}

// runningPID reports the PID of the instance holding the lock, if any.
func runningPID() (int, bool) {
	path := LockPath()
	if _, err := os.Stat(path); err != nil {
		return 0, false
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return 0, false
	}
	if ok {
		_ = fl.Unlock()
		return 0, false
	}
	pid, err := readPID(path)
	return pid, err == nil
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
