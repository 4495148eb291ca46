// Package appdir locates the wsrelay data directory, which holds the default
// config file, the SQLite event database, file-backed event logs and rotated
// server logs.
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	// DirEnv overrides the data directory.
	DirEnv = "WSRELAY_DIR"

	ConfigFileName   = "config.yaml"
	DatabaseFileName = "events.db"
	EventsDirName    = "events"
	LogsDirName      = "logs"

	appName = "wsrelay"
)

var cache struct {
	sync.Mutex
	dir string
}

// Dir returns $WSRELAY_DIR or the platform data directory:
//
//	macOS    ~/Library/Application Support/wsrelay
//	Windows  %APPDATA%\wsrelay
//	others   $XDG_DATA_HOME/wsrelay, falling back to ~/.local/share/wsrelay
//
// The first result is cached. Nothing is created.
func Dir() (string, error) {
	cache.Lock()
	defer cache.Unlock()
	if cache.dir == "" {
		dir, err := resolve()
		if err != nil {
			return "", err
		}
		cache.dir = dir
	}
	return cache.dir, nil
}

func resolve() (string, error) {
	if dir := os.Getenv(DirEnv); dir != "" {
		return dir, nil
	}
	var base string
	var fallback []string
	switch runtime.GOOS {
	case "darwin":
		fallback = []string{"Library", "Application Support"}
	case "windows":
		base = os.Getenv("APPDATA")
		fallback = []string{"AppData", "Roaming"}
	default:
		base = os.Getenv("XDG_DATA_HOME")
		fallback = []string{".local", "share"}
	}
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("locate data directory: %w", err)
		}
		base = filepath.Join(append([]string{home}, fallback...)...)
	}
	return filepath.Join(base, appName), nil
}

// EnsureDir creates the data directory with its events and logs
// subdirectories.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	for _, sub := range []string{EventsDirName, LogsDirName} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
	}
	return nil
}

// Path joins name onto the data directory.
func Path(name string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func ConfigPath() (string, error)   { return Path(ConfigFileName) }
func DatabasePath() (string, error) { return Path(DatabaseFileName) }
func EventsDir() (string, error)    { return Path(EventsDirName) }
func LogsDir() (string, error)      { return Path(LogsDirName) }

// ResetCache forgets the cached directory.
func ResetCache() {
	cache.Lock()
	cache.dir = ""
	cache.Unlock()
}
