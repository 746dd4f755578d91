package main

import (
	"fmt"
	"os"
	"path/filepath"

	"loom/pkg/protocol"
)

// Paths holds all resolved loom state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	LoomHome    string // ~/.loom or LOOM_HOME
	PIDPath     string // loom.pid or LOOM_PID_PATH
	StateDBPath string // state.db or LOOM_DB_PATH
	ConfigPath  string // loom.toml or LOOM_CONFIG
	StagesPath  string // stages.yaml or LOOM_STAGES_FILE
}

// ResolvePaths returns all loom paths, respecting env var overrides.
// Environment variables:
//   - LOOM_HOME: base directory for all loom state (default: ~/.loom)
//   - LOOM_PID_PATH: daemon PID file (default: $LOOM_HOME/loom.pid)
//   - LOOM_DB_PATH: daemon state database (default: $LOOM_HOME/state.db)
//   - LOOM_CONFIG: config file (default: $LOOM_HOME/loom.toml)
//   - LOOM_STAGES_FILE: stage graph file (default: $LOOM_HOME/stages.yaml)
//
// If LOOM_HOME is set, it becomes the base for all default paths. Specific
// env vars override both the default and the LOOM_HOME base.
func ResolvePaths() (*Paths, error) {
	loomHome, err := resolveLoomHome()
	if err != nil {
		return nil, err
	}

	return &Paths{
		LoomHome:    loomHome,
		PIDPath:     resolvePathWithEnv("LOOM_PID_PATH", loomHome, protocol.PIDFile),
		StateDBPath: resolvePathWithEnv("LOOM_DB_PATH", loomHome, protocol.StateDBFile),
		ConfigPath:  resolvePathWithEnv("LOOM_CONFIG", loomHome, "loom.toml"),
		StagesPath:  resolvePathWithEnv("LOOM_STAGES_FILE", loomHome, "stages.yaml"),
	}, nil
}

// resolveLoomHome returns the loom home directory from LOOM_HOME or ~/.loom.
func resolveLoomHome() (string, error) {
	if v := os.Getenv("LOOM_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.LoomDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
