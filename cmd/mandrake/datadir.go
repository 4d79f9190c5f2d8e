// ABOUTME: XDG-based data directory resolution for the mandrake CLI.
// ABOUTME: Checks XDG_DATA_HOME, falls back to ~/.local/share/mandrake.
package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// defaultDataDir returns the default root under which workspaces are
// created when none is given on the command line. It checks
// XDG_DATA_HOME first, then falls back to ~/.local/share/mandrake.
func defaultDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "mandrake"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	return filepath.Join(home, ".local", "share", "mandrake"), nil
}

// resolveDataDir returns the data directory to use, preferring an explicit
// override and falling back to the XDG-based default.
func resolveDataDir(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	return defaultDataDir()
}
