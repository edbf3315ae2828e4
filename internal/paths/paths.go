// Package paths resolves the configuration directory, the data directory and
// files named in the configuration.
package paths

import (
	"os"
	"path/filepath"
)

// Default directory names. The configuration directory is relative to the
// working directory; the data directory lives inside it.
const (
	DefaultConfigDirName = ".larder"
	DefaultDataDirName   = "data"
)

// Environment variable names for directory overrides.
const (
	EnvConfigDir = "LARDER_CONFIG_DIR"
	EnvDataDir   = "LARDER_DATA_DIR"
)

// getwd can be overridden in tests.
var getwd = os.Getwd

// ResolveConfigDir returns the configuration directory following the
// precedence chain: flag > LARDER_CONFIG_DIR > $(CWD)/.larder.
func ResolveConfigDir(flag string) (string, error) {
	if flag != "" {
		return filepath.Abs(flag)
	}
	if env := os.Getenv(EnvConfigDir); env != "" {
		return filepath.Abs(env)
	}
	cwd, err := getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, DefaultConfigDirName), nil
}

// ResolveDataDir returns the data directory following the precedence chain:
// flag > LARDER_DATA_DIR > data_dir from config.yaml > <configDir>/data.
// A relative config value is taken relative to configDir.
func ResolveDataDir(flag, configValue, configDir string) (string, error) {
	if flag != "" {
		return filepath.Abs(flag)
	}
	if env := os.Getenv(EnvDataDir); env != "" {
		return filepath.Abs(env)
	}
	if configValue != "" {
		return ResolveFile(configValue, configDir), nil
	}
	return filepath.Join(configDir, DefaultDataDirName), nil
}

// ResolveFile resolves a path named in config.yaml. Relative paths are
// taken relative to configDir.
func ResolveFile(name, configDir string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(configDir, name)
}
