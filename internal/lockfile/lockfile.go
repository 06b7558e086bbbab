// Package lockfile guards the state directory against concurrent cadence
// processes. SQLite deployments share one database file; a second dispatcher
// pointed at the same directory would double the claim traffic and fight over
// the WAL, so the first process takes an exclusive flock that the kernel
// releases automatically if the process dies.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "cadence.lock"

// Lock represents an acquired state directory lock.
type Lock struct {
	file     *os.File
	path     string
	acquired bool
}

// AcquireLock takes an exclusive lock on the state directory. On conflict it
// returns a LockError describing the process that holds the lock.
func AcquireLock(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		info := readExistingLockInfo(lockPath)
		slog.Error("lockfile.AcquireLock: lock held by another process", "lockPath", lockPath, "holder", info)
		return nil, &LockError{LockPath: lockPath, ExistingInfo: info, Cause: err}
	}

	if _, err := fmt.Fprintf(file, "pid=%d\n", os.Getpid()); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.AcquireLock: sync failed", "lockPath", lockPath, "error", err)
	}

	slog.Info("lockfile.AcquireLock: acquired", "lockPath", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath, acquired: true}, nil
}

// Release releases the lock and removes the lock file. Safe to call more
// than once.
func (l *Lock) Release() error {
	if !l.acquired || l.file == nil {
		return nil
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("lockfile.Release: unlock failed", "lockPath", l.path, "error", err)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("lockfile.Release: close failed", "lockPath", l.path, "error", err)
	}
	if err := os.Remove(l.path); err != nil {
		// Not critical: the flock itself is gone.
		slog.Debug("lockfile.Release: remove failed", "lockPath", l.path, "error", err)
	}

	l.acquired = false
	l.file = nil
	slog.Info("lockfile.Release: released", "lockPath", l.path)
	return nil
}

// LockError reports a lock held by another process.
type LockError struct {
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another cadence instance is already using this state directory (lock file: %s)", e.LockPath)
	if e.ExistingInfo != "" {
		msg += fmt.Sprintf(", held by %s", e.ExistingInfo)
	}
	msg += fmt.Sprintf(". If no other instance is running the lock is stale and can be removed with: rm %s", e.LockPath)
	return msg
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// readExistingLockInfo reads the holder description from an existing lock
// file, for error messages. Returns an empty string when unreadable.
func readExistingLockInfo(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil || len(data) == 0 {
		return ""
	}
	if pid := extractPID(string(data)); pid > 0 {
		if isProcessRunning(pid) {
			return fmt.Sprintf("PID %d (running)", pid)
		}
		return fmt.Sprintf("PID %d (not running, stale lock)", pid)
	}
	return strings.TrimSpace(string(data))
}

func extractPID(content string) int {
	const prefix = "pid="
	idx := strings.Index(content, prefix)
	if idx == -1 {
		return 0
	}
	rest := content[idx+len(prefix):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	pid, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0
	}
	return pid
}

// isProcessRunning probes the PID with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
