package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ExclusiveLock is the lock file format for claiming exclusive use of
// a workspace's engine state. A second process refusing to share the
// session store is what keeps snapshot commits all-or-nothing.
type ExclusiveLock struct {
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
}

// AcquireExclusiveLock creates the lock file under the workspace state
// directory. Returns the lock file path for cleanup on shutdown.
func AcquireExclusiveLock(stateDir, version string) (lockPath string, err error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	lockPath = filepath.Join(stateDir, ".lock")

	// Check for existing lock
	if data, err := os.ReadFile(lockPath); err == nil {
		var existing ExclusiveLock
		if json.Unmarshal(data, &existing) == nil {
			if isProcessAlive(existing.PID, existing.Hostname) {
				return "", fmt.Errorf("another session is already running (PID %d on %s, started %s)",
					existing.PID, existing.Hostname, existing.StartedAt.Format(time.RFC3339))
			}
			// Stale lock - will overwrite
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}

	lock := ExclusiveLock{
		Holder:    "specsync",
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		Version:   version,
	}

	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal lock: %w", err)
	}
	if err := os.WriteFile(lockPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to create exclusive lock: %w", err)
	}
	return lockPath, nil
}

// ReleaseExclusiveLock removes the lock file. Call on shutdown (use
// defer).
func ReleaseExclusiveLock(lockPath string) error {
	if lockPath == "" {
		return nil
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove exclusive lock: %w", err)
	}
	return nil
}

// InspectLock reads the workspace lock without acquiring it. Returns
// nil when no lock exists; stale is true when the holder process is
// gone.
func InspectLock(stateDir string) (lock *ExclusiveLock, stale bool, err error) {
	lockPath := filepath.Join(stateDir, ".lock")
	data, err := os.ReadFile(lockPath)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read lock: %w", err)
	}
	var existing ExclusiveLock
	if err := json.Unmarshal(data, &existing); err != nil {
		// An unparseable lock file is stale by definition
		return nil, true, nil
	}
	return &existing, !isProcessAlive(existing.PID, existing.Hostname), nil
}

// isProcessAlive checks if a process with the given PID exists on the
// given hostname. Remote locks cannot be verified and are assumed
// alive.
func isProcessAlive(pid int, hostname string) bool {
	currentHost, err := os.Hostname()
	if err != nil {
		return true
	}
	if !strings.EqualFold(hostname, currentHost) {
		return true
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but is not ours
	if err == syscall.EPERM {
		return true
	}
	return false
}
