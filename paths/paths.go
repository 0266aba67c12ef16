// Package paths resolves where nfcbridge keeps its files:
//
//   - config.yaml: helper scripts, timeouts, status layout
//   - python/: default location of the card helper scripts
//   - logs/: log files
//
// NFCBRIDGE_HOME puts everything under one directory, which is how kiosk
// installs ship the scripts next to the config. Otherwise the XDG base
// directories are used when any XDG variable is set, and ~/.nfcbridge when
// none is.
package paths

import (
	"os"
	"path/filepath"
	"sync"
)

const (
	appDirName = "nfcbridge"
	homeEnv    = "NFCBRIDGE_HOME"
)

// Layout names how the directories were chosen.
type Layout string

const (
	LayoutOverride Layout = "override" // NFCBRIDGE_HOME
	LayoutXDG      Layout = "xdg"      // XDG base directories
	LayoutHome     Layout = "home"     // ~/.nfcbridge
)

var (
	mu       sync.Mutex
	resolved *resolvedPaths
)

type resolvedPaths struct {
	layout    Layout
	configDir string
	dataDir   string
	stateDir  string
}

func single(layout Layout, dir string) *resolvedPaths {
	return &resolvedPaths{layout: layout, configDir: dir, dataDir: dir, stateDir: dir}
}

// resolve computes the directories once and caches them.
func resolve() (*resolvedPaths, error) {
	mu.Lock()
	defer mu.Unlock()

	if resolved != nil {
		return resolved, nil
	}

	if dir := os.Getenv(homeEnv); dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, err
		}
		resolved = single(LayoutOverride, abs)
		return resolved, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	xdgData := os.Getenv("XDG_DATA_HOME")
	xdgState := os.Getenv("XDG_STATE_HOME")
	if xdgConfig == "" && xdgData == "" && xdgState == "" {
		resolved = single(LayoutHome, filepath.Join(home, "."+appDirName))
		return resolved, nil
	}

	if xdgConfig == "" {
		xdgConfig = filepath.Join(home, ".config")
	}
	if xdgData == "" {
		xdgData = filepath.Join(home, ".local", "share")
	}
	if xdgState == "" {
		xdgState = filepath.Join(home, ".local", "state")
	}
	resolved = &resolvedPaths{
		layout:    LayoutXDG,
		configDir: filepath.Join(xdgConfig, appDirName),
		dataDir:   filepath.Join(xdgData, appDirName),
		stateDir:  filepath.Join(xdgState, appDirName),
	}
	return resolved, nil
}

func join(pick func(*resolvedPaths) string, elem ...string) (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{pick(r)}, elem...)...), nil
}

func configDir(r *resolvedPaths) string { return r.configDir }
func dataDir(r *resolvedPaths) string   { return r.dataDir }
func stateDir(r *resolvedPaths) string  { return r.stateDir }

// CurrentLayout reports which layout is in effect.
func CurrentLayout() (Layout, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.layout, nil
}

// ConfigDir returns the directory holding config.yaml.
func ConfigDir() (string, error) { return join(configDir) }

// DataDir returns the directory for installed data such as the helper scripts.
func DataDir() (string, error) { return join(dataDir) }

// StateDir returns the directory for runtime state and logs.
func StateDir() (string, error) { return join(stateDir) }

// ConfigFilePath returns the full path to config.yaml.
func ConfigFilePath() (string, error) { return join(configDir, "config.yaml") }

// ScriptsDir returns the default directory holding the card helper scripts.
func ScriptsDir() (string, error) { return join(dataDir, "python") }

// LogsDir returns the directory for log files.
func LogsDir() (string, error) { return join(stateDir, "logs") }

// Reset clears the cached resolution. Tests call it after changing the
// environment.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resolved = nil
}
