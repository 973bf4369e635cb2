// Package appdirs resolves where the engine keeps its files.
package appdirs

import (
	"os"
	"path/filepath"
)

const (
	appDirName = "orcascore"
	// DataDirEnv overrides the user config directory.
	DataDirEnv = "ORCASCORE_DATA_DIR"
)

// DataDir is $ORCASCORE_DATA_DIR or <user config dir>/orcascore.
func DataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return filepath.Clean(override), nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, appDirName), nil
}

// Ensure creates dataDir with owner-only permissions when missing.
func Ensure(dataDir string) error {
	return os.MkdirAll(dataDir, 0o700)
}

func DatabasePath(dataDir string) string {
	return filepath.Join(dataDir, "orcascore.db")
}

func SettingsPath(dataDir string) string {
	return filepath.Join(dataDir, "settings.toml")
}

func SecretsPath(dataDir string) string {
	return filepath.Join(dataDir, "secrets.enc")
}

func MasterKeyPath(dataDir string) string {
	return filepath.Join(dataDir, "master.key")
}
