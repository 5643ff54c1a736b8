// Package config resolves the on-disk locations the engine uses for its
// instance lock, state database, and debug logs.
package config

import (
	"os"
	"path/filepath"
)

const appDirName = "modfetch"

// GetAppDir returns the per-OS application directory, creating nothing.
func GetAppDir() string {
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, appDirName)
}

// GetLogsDir returns the directory debug logs are written to.
func GetLogsDir() string {
	return filepath.Join(GetAppDir(), "logs")
}

// GetStateDBPath returns the path of the SQLite database backing chunk
// checkpoints and the master download list.
func GetStateDBPath() string {
	return filepath.Join(GetAppDir(), "state.db")
}

// GetLockPath returns the path of the single-instance lock file.
func GetLockPath() string {
	return filepath.Join(GetAppDir(), "modfetch.lock")
}

// EnsureDirs creates the application, logs, directories if missing.
func EnsureDirs() error {
	if err := os.MkdirAll(GetAppDir(), 0o755); err != nil {
		return err
	}
	return os.MkdirAll(GetLogsDir(), 0o755)
}
