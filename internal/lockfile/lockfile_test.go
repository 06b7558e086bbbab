package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func tempStateDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "lockfile_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestAcquireAndRelease(t *testing.T) {
	dir := tempStateDir(t)

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	lockPath := filepath.Join(dir, LockFileName)
	content, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("lock file not readable: %v", err)
	}
	want := fmt.Sprintf("pid=%d\n", os.Getpid())
	if string(content) != want {
		t.Errorf("lock file content %q, want %q", content, want)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Error("lock file should be removed after release")
	}
	// Double release is safe.
	if err := lock.Release(); err != nil {
		t.Errorf("second Release errored: %v", err)
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	dir := tempStateDir(t)

	lock1, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("first AcquireLock failed: %v", err)
	}
	if err := lock1.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	lock2, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock after release failed: %v", err)
	}
	lock2.Release()
}

func TestCreatesStateDir(t *testing.T) {
	dir := filepath.Join(tempStateDir(t), "nested", "state")

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state directory not created: %v", err)
	}
}

func TestLockErrorDetails(t *testing.T) {
	e := &LockError{LockPath: "/tmp/x/cadence.lock", ExistingInfo: "PID 123 (running)", Cause: errors.New("resource temporarily unavailable")}
	msg := e.Error()
	if msg == "" || e.Unwrap() == nil {
		t.Error("LockError must carry a message and a cause")
	}
	for _, frag := range []string{"/tmp/x/cadence.lock", "PID 123"} {
		if !strings.Contains(msg, frag) {
			t.Errorf("error message missing %q: %s", frag, msg)
		}
	}
}
