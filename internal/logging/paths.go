package logging

import (
	"os"
	"path/filepath"
)

// LogPath returns the log file path inside a project state directory.
func LogPath(stateDir string) string {
	return filepath.Join(stateDir, "memvault.log")
}

// GlobalLogDir returns the log directory under the global state root
// (~/.memvault/logs). Falls back to the temp directory when the home
// directory is unavailable.
func GlobalLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".memvault", "logs")
	}
	return filepath.Join(home, ".memvault", "logs")
}

// GlobalLogPath returns the default global log path.
func GlobalLogPath() string {
	return filepath.Join(GlobalLogDir(), "memvault.log")
}
