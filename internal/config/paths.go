package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const configFileName = "vrows.ini"

// ConfigDirectory returns the directory holding the config file.
//
// Locations:
//   - Windows: %USERPROFILE%\.config\rescale
//   - Unix: ~/.config/rescale (or $XDG_CONFIG_HOME/rescale)
func ConfigDirectory() string {
	if runtime.GOOS == "windows" {
		if userProfile := os.Getenv("USERPROFILE"); userProfile != "" {
			return filepath.Join(userProfile, ".config", "rescale")
		}
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "rescale")
		}
		return filepath.Join(homeDir, ".config", "rescale")
	}
	return filepath.Join(configDir, "rescale")
}

// DefaultConfigPath returns the config file used when --config is not given.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDirectory(), configFileName)
}

// DefaultSQLitePath is where the sqlite source looks when no path is configured.
func DefaultSQLitePath() string {
	return filepath.Join(ConfigDirectory(), "vrows.db")
}
