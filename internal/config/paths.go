package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	appName        = "tolino-calibre-sync"
	configFileName = "config.toml"
)

// baseDir describes where one kind of file lives. Linux follows the XDG
// base directory spec; macOS keeps config and data together under
// Application Support.
type baseDir struct {
	xdgEnv      string
	unixDefault []string // relative to $HOME, also used off Linux and macOS
	darwin      []string // relative to $HOME
}

var (
	configBase = baseDir{"XDG_CONFIG_HOME", []string{".config"}, []string{"Library", "Application Support"}}
	dataBase   = baseDir{"XDG_DATA_HOME", []string{".local", "share"}, []string{"Library", "Application Support"}}
	cacheBase  = baseDir{"XDG_CACHE_HOME", []string{".cache"}, []string{"Library", "Caches"}}
)

// resolve returns the application directory for goos, or "" when the home
// directory is unknown and no XDG override applies.
func (b baseDir) resolve(goos, home string) string {
	switch goos {
	case "darwin":
		if home == "" {
			return ""
		}

		return filepath.Join(append(append([]string{home}, b.darwin...), appName)...)
	case "linux":
		if xdg := os.Getenv(b.xdgEnv); xdg != "" {
			return filepath.Join(xdg, appName)
		}
	}

	if home == "" {
		return ""
	}

	return filepath.Join(append(append([]string{home}, b.unixDefault...), appName)...)
}

func (b baseDir) current() string {
	home, _ := os.UserHomeDir() // "" on error

	return b.resolve(runtime.GOOS, home)
}

// DefaultConfigDir holds config.toml.
func DefaultConfigDir() string { return configBase.current() }

// DefaultDataDir holds the sync state and the token file.
func DefaultDataDir() string { return dataBase.current() }

// DefaultCacheDir holds download staging.
func DefaultCacheDir() string { return cacheBase.current() }

// DefaultConfigPath is used when neither TOLINO_SYNC_CONFIG nor --config
// names a file.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// DefaultStatePath returns the default sync state file in the data directory.
func DefaultStatePath() string {
	return inDir(DefaultDataDir(), stateFileName)
}

// DefaultTokenPath returns the default refresh token file in the data
// directory.
func DefaultTokenPath() string {
	return inDir(DefaultDataDir(), tokenFileName)
}

// DefaultStagingDir returns the default download staging directory in the
// cache directory.
func DefaultStagingDir() string {
	return inDir(DefaultCacheDir(), stagingDirName)
}

// LockPath returns the PID lock file guarding a state file.
func LockPath(stateFile string) string {
	return stateFile + ".lock"
}

func inDir(dir, name string) string {
	if dir == "" {
		return name
	}

	return filepath.Join(dir, name)
}

// expandTilde replaces a leading "~/" with the user's home directory.
func expandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}
