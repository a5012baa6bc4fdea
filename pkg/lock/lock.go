// Package lock implements the Worker Runtime's filesystem-backed, per-task
// mutual exclusion (C9): an exclusive-create lock file keyed by task id,
// reclaimable when its recorded PID is no longer alive. This guards against
// two processes on the same host racing the same task; the in-database
// Lease guards the cross-host case, and both are required.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// Handle is an acquired lock; Release must be called exactly once.
type Handle struct {
	path string
	file *os.File
}

type lockContent struct {
	TaskID     string    `json:"taskId"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Acquire tries to take the lock for taskID under dir. It returns a nil
// Handle (and nil error) if the lock is currently held by a live process —
// that is not an error, it is the documented "not acquired" outcome.
func Acquire(dir, taskID string) (*Handle, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lock: ensure lock dir: %w", err)
	}

	path := filepath.Join(dir, taskID+".lock")
	handle, err := tryCreate(path, taskID)
	if err == nil {
		return handle, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("lock: create %s: %w", path, err)
	}

	// EEXIST: see if the recorded PID is stale and reclaim once.
	if reclaimed, rerr := reclaimIfStale(path); rerr != nil {
		return nil, rerr
	} else if !reclaimed {
		return nil, nil
	}

	handle, err = tryCreate(path, taskID)
	if err != nil {
		if os.IsExist(err) {
			// Lost the race to reclaim; someone else got there first.
			return nil, nil
		}
		return nil, fmt.Errorf("lock: create %s after reclaim: %w", path, err)
	}
	return handle, nil
}

func tryCreate(path, taskID string) (*Handle, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	content := lockContent{TaskID: taskID, PID: os.Getpid(), AcquiredAt: time.Now()}
	data, err := json.Marshal(content)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("lock: marshal content: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("lock: write content: %w", err)
	}

	return &Handle{path: path, file: file}, nil
}

func reclaimIfStale(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Released between our create attempt and this read; caller retries.
			return true, nil
		}
		return false, fmt.Errorf("lock: read %s: %w", path, err)
	}

	var content lockContent
	if err := json.Unmarshal(data, &content); err != nil {
		// Unreadable lock file; treat conservatively as held.
		return false, nil
	}

	if pidAlive(content.PID) {
		return false, nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("lock: remove stale lock %s: %w", path, err)
	}
	return true, nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 probes liveness
	// without actually sending a signal.
	return process.Signal(syscall.Signal(0)) == nil
}

// Release closes and unlinks the lock file, best-effort.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.file.Close()
	_ = os.Remove(h.path)
}
