package config

import (
	"os"
	"path/filepath"
)

const envConfigDir = "KVILE_CONFIG_DIR"

// Dir returns the directory holding settings and the default store.
func Dir() string {
	if dir := os.Getenv(envConfigDir); dir != "" {
		return dir
	}
	if base, err := os.UserConfigDir(); err == nil && base != "" {
		return filepath.Join(base, "kvile")
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".kvile")
	}
	return ".kvile"
}
