package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Lock file permissions: private to the owner, like the state file.
const (
	lockFilePerms = 0o600
	lockDirPerms  = 0o700
)

// errNoRunningSync means no process holds the lock for a state file.
var errNoRunningSync = errors.New("no running sync")

// acquireSyncLock takes an exclusive flock on path and records the current
// PID in it, so two syncs never share a state file. The returned release
// function removes the file and drops the lock.
func acquireSyncLock(path string) (release func(), err error) {
	if path == "" {
		return nil, errors.New("lock file path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), lockDirPerms); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFilePerms)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		if pid, rerr := readLockPID(path); rerr == nil {
			return nil, fmt.Errorf("another sync is already running (PID %d holds %s)", pid, path)
		}

		return nil, fmt.Errorf("another sync is already running (could not lock %s)", path)
	}

	if err := writePID(f); err != nil {
		f.Close()
		return nil, err
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncating lock file: %w", err)
	}

	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("writing lock file: %w", err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing lock file: %w", err)
	}

	return nil
}

// readLockPID returns the PID recorded in a lock file.
func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading lock file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}

// runningSync returns the PID of the live process holding the lock at path.
// A lock file whose process is gone is removed and reported as
// errNoRunningSync.
func runningSync(path string) (int, error) {
	pid, err := readLockPID(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%w (no lock file at %s)", errNoRunningSync, path)
	}

	if err != nil {
		return 0, err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := proc.Signal(syscall.Signal(0)); err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("%w (PID %d is gone, stale lock file removed)", errNoRunningSync, pid)
	}

	return pid, nil
}

// triggerSync asks the sync holding the lock at path to start a cycle now.
func triggerSync(path string) (int, error) {
	pid, err := runningSync(path)
	if err != nil {
		return 0, err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return 0, fmt.Errorf("sending SIGHUP to PID %d: %w", pid, err)
	}

	return pid, nil
}
