package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLockAcquisition(t *testing.T) {
	tempDir := t.TempDir()

	lock, err := AcquireLock(tempDir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	lockPath := filepath.Join(tempDir, LockFileName)
	if _, err := os.Stat(lockPath); os.IsNotExist(err) {
		t.Errorf("Lock file was not created: %s", lockPath)
	}

	content, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	expected := fmt.Sprintf("pid=%d\n", os.Getpid())
	if string(content) != expected {
		t.Errorf("Lock file content mismatch. Expected: %q, Got: %q", expected, string(content))
	}
}

func TestLockRelease(t *testing.T) {
	tempDir := t.TempDir()

	lock, err := AcquireLock(tempDir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Failed to release lock: %v", err)
	}

	lockPath := filepath.Join(tempDir, LockFileName)
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("Lock file should be removed after release: %s", lockPath)
	}

	// Releasing twice must be a no-op.
	if err := lock.Release(); err != nil {
		t.Errorf("Second release should not error: %v", err)
	}

	// Re-acquisition should succeed after release.
	lock2, err := AcquireLock(tempDir)
	if err != nil {
		t.Fatalf("Failed to re-acquire lock after release: %v", err)
	}
	lock2.Release()
}

func TestExtractPIDFromLockInfo(t *testing.T) {
	if pid := extractPIDFromLockInfo("pid=1234\n"); pid != 1234 {
		t.Errorf("expected 1234, got %d", pid)
	}
	if pid := extractPIDFromLockInfo("garbage"); pid != 0 {
		t.Errorf("expected 0 for missing pid, got %d", pid)
	}
	if pid := extractPIDFromLockInfo("pid=\n"); pid != 0 {
		t.Errorf("expected 0 for empty pid, got %d", pid)
	}
}

func TestLockErrorMessage(t *testing.T) {
	err := &LockError{
		LockPath:     "/tmp/state/chatbot.lock",
		ExistingInfo: "PID 99 (running)",
		Cause:        errors.New("resource temporarily unavailable"),
	}
	msg := err.Error()
	if !strings.Contains(msg, "/tmp/state/chatbot.lock") {
		t.Errorf("expected lock path in message, got %q", msg)
	}
	if !strings.Contains(msg, "PID 99") {
		t.Errorf("expected existing process info in message, got %q", msg)
	}
	if !errors.Is(err, err.Cause) {
		t.Error("expected LockError to unwrap to its cause")
	}
}
