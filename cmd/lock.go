package cmd

import (
	"fmt"

	"github.com/gofrs/flock"

	"github.com/modfetch/engine/internal/config"
)

// InstanceLock wraps the single-instance file lock.
type InstanceLock struct {
	flock *flock.Flock
}

var instanceLock *InstanceLock

// AcquireLock attempts to acquire the single-instance lock. true means this
// process holds it; false means another instance already does.
func AcquireLock() (bool, error) {
	if err := config.EnsureDirs(); err != nil {
		return false, fmt.Errorf("ensure config dirs: %w", err)
	}

	fileLock := flock.New(config.GetLockPath())
	locked, err := fileLock.TryLock()
	if err != nil {
		return false, fmt.Errorf("try lock: %w", err)
	}
	if !locked {
		return false, nil
	}

	instanceLock = &InstanceLock{flock: fileLock}
	return true, nil
}

// ReleaseLock releases the lock if this process holds it.
func ReleaseLock() error {
	if instanceLock != nil && instanceLock.flock != nil {
		return instanceLock.flock.Unlock()
	}
	return nil
}
