package lock

import (
	"os"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	h, err := Acquire(dir, "t1")
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if h == nil {
		t.Fatal("Acquire returned nil handle for an unheld lock")
	}

	if _, err := os.Stat(dir + "/t1.lock"); err != nil {
		t.Fatalf("lock file was not created: %v", err)
	}

	h.Release()
	if _, err := os.Stat(dir + "/t1.lock"); !os.IsNotExist(err) {
		t.Fatalf("lock file still exists after Release: %v", err)
	}
}

func TestAcquireHeldByLiveProcessReturnsNilHandle(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir, "t1")
	if err != nil {
		t.Fatalf("first Acquire returned error: %v", err)
	}
	defer first.Release()

	second, err := Acquire(dir, "t1")
	if err != nil {
		t.Fatalf("second Acquire returned error: %v", err)
	}
	if second != nil {
		t.Fatal("second Acquire should return nil handle while the lock is held by this (live) process")
	}
}

func TestAcquireReclaimsStaleLockFromDeadPID(t *testing.T) {
	dir := t.TempDir()

	content := []byte(`{"taskId":"t1","pid":999999,"acquiredAt":"2020-01-01T00:00:00Z"}`)
	if err := os.WriteFile(dir+"/t1.lock", content, 0o644); err != nil {
		t.Fatalf("seeding stale lock file: %v", err)
	}

	h, err := Acquire(dir, "t1")
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if h == nil {
		t.Fatal("Acquire should reclaim a lock held by a dead PID")
	}
	h.Release()
}

func TestReleaseOnNilHandleIsSafe(t *testing.T) {
	var h *Handle
	h.Release()
}
