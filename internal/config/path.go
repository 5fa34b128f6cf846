package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func UserConfigPath() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); strings.TrimSpace(xdg) != "" {
		return filepath.Join(xdg, "modl", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "modl", "config.yaml"), nil
}

func ProjectConfigPath(cwd string) string {
	return filepath.Join(cwd, "modl.yaml")
}

func defaultStateDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); strings.TrimSpace(xdg) != "" {
		return filepath.Join(xdg, "modl")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "./.modl-state"
	}
	return filepath.Join(home, ".local", "state", "modl")
}

func defaultModsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./mods"
	}
	return filepath.Join(home, "Games", "mods")
}

func defaultLogFile() string {
	return filepath.Join(defaultStateDir(), "modl.log")
}

func ExpandPath(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}

	expanded := os.ExpandEnv(strings.TrimSpace(raw))
	if expanded == "~" || strings.HasPrefix(expanded, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		expanded = filepath.Join(home, strings.TrimPrefix(expanded, "~/"))
	}

	return filepath.Clean(expanded), nil
}

// Paths are the expanded directories the launcher works in.
type Paths struct {
	ModsDir  string
	StateDir string
	LogFile  string
}

func ResolvePaths(cfg Config) (Paths, error) {
	mods, err := ExpandPath(cfg.Defaults.ModsDir)
	if err != nil {
		return Paths{}, err
	}
	state, err := ExpandPath(cfg.Defaults.StateDir)
	if err != nil {
		return Paths{}, err
	}
	logFile, err := ExpandPath(cfg.Logging.File)
	if err != nil {
		return Paths{}, err
	}
	return Paths{ModsDir: mods, StateDir: state, LogFile: logFile}, nil
}
