// scripts/cleanup-stale.go - Manual stale workspace lock cleanup tool
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/specsync/specsync/internal/config"
	"github.com/specsync/specsync/internal/storage"
)

func main() {
	workspace := "."
	if len(os.Args) > 1 {
		workspace = os.Args[1]
	}
	stateDir := config.StateDir(workspace)

	lock, stale, err := storage.InspectLock(stateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error inspecting lock: %v\n", err)
		os.Exit(1)
	}

	switch {
	case lock == nil && !stale:
		fmt.Println("✓ No lock found")
	case !stale:
		fmt.Printf("Lock is held by a live process (PID %d on %s); not removing\n",
			lock.PID, lock.Hostname)
		os.Exit(1)
	default:
		lockPath := filepath.Join(stateDir, ".lock")
		if err := storage.ReleaseExclusiveLock(lockPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error removing stale lock: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✓ Removed stale lock %s\n", lockPath)
	}
}
