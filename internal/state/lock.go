package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	lockWait  = 5 * time.Second
	lockRetry = 10 * time.Millisecond
	// staleLock is far above the time any single write holds the lock
	staleLock = 30 * time.Second
)

// ErrStateLocked is returned when another process keeps the state file locked
var ErrStateLocked = errors.New("state file is locked by another process")

// acquireLock creates path exclusively and returns a func removing it.
// A lock file left behind by a dead process is taken over once it is stale.
func acquireLock(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(lockWait)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to lock state file: %w", err)
		}

		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > staleLock {
			os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrStateLocked, path)
		}
		time.Sleep(lockRetry)
	}
}
