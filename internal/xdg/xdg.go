// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

// Package xdg provides XDG Base Directory paths for GoodNet.
package xdg

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

const appName = "goodnet"

// home returns the user's home directory, preferring $HOME.
func home() (string, error) {
	if h := os.Getenv("HOME"); h != "" {
		return h, nil
	}
	h, err := os.UserHomeDir()
	if err != nil {
		return "", oops.Code("NO_HOME_DIR").Wrap(err)
	}
	return h, nil
}

func baseDir(env string, fallback ...string) (string, error) {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, appName), nil
	}
	h, err := home()
	if err != nil {
		return "", err
	}
	parts := append([]string{h}, fallback...)
	return filepath.Join(append(parts, appName)...), nil
}

// ConfigDir returns the XDG config directory for goodnet.
// Checks XDG_CONFIG_HOME first, falls back to ~/.config.
func ConfigDir() (string, error) {
	return baseDir("XDG_CONFIG_HOME", ".config")
}

// DataDir returns the XDG data directory for goodnet.
// Checks XDG_DATA_HOME first, falls back to ~/.local/share.
func DataDir() (string, error) {
	return baseDir("XDG_DATA_HOME", ".local", "share")
}

// StateDir returns the XDG state directory for goodnet.
// Checks XDG_STATE_HOME first, falls back to ~/.local/state.
func StateDir() (string, error) {
	return baseDir("XDG_STATE_HOME", ".local", "state")
}

// RuntimeDir returns the XDG runtime directory for goodnet.
// Checks XDG_RUNTIME_DIR first, falls back to StateDir()/run.
func RuntimeDir() (string, error) {
	if base := os.Getenv("XDG_RUNTIME_DIR"); base != "" {
		return filepath.Join(base, appName), nil
	}
	state, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(state, "run"), nil
}

// ConfigFile returns the default config file path.
func ConfigFile() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// PluginsDir returns the default module base directory, which holds the
// handlers/ and connectors/ subdirectories.
func PluginsDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "plugins"), nil
}

// EnsureDir creates a directory and all parent directories if they don't exist.
// Directories are created with 0700 permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return oops.Code("MKDIR_FAILED").With("path", path).Wrapf(err, "create directory")
	}
	return nil
}
