// Package config loads the agent host configuration and knows where its
// files live.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths contains the standard agenthost directories.
type Paths struct {
	Config string // ~/.config/agenthost
	State  string // ~/.local/state/agenthost
}

// GetPaths returns the standard paths, honoring the XDG variables.
func GetPaths() *Paths {
	return &Paths{
		Config: filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultConfigHome()), "agenthost"),
		State:  filepath.Join(getEnvOrDefault("XDG_STATE_HOME", defaultStateHome()), "agenthost"),
	}
}

// EnsurePaths creates all directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Config, p.State} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// LogDir is where log files go when file logging is on.
func (p *Paths) LogDir() string {
	return filepath.Join(p.State, "log")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultConfigHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}

func defaultStateHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "state")
}

// GlobalConfigPath returns the path of the global config file.
func GlobalConfigPath() string {
	return filepath.Join(GetPaths().Config, "agenthost.json")
}

// ProjectConfigPath returns the path of the project config file.
func ProjectConfigPath(directory string) string {
	return filepath.Join(directory, ".agenthost", "agenthost.json")
}
