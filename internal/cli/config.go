package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/larder/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	configFileExt  = "config.yaml"

	cfgKeyBackend       = "backend"
	cfgKeyDataDir       = "data_dir"
	cfgKeySyncStrategy  = "sync_strategy"
	cfgKeySchemaFile    = "schema_file"
	cfgKeyRecordingsDir = "recordings_dir"
	cfgKeyWorkers       = "workers"
	cfgKeyMaxRetries    = "max_retries"

	defaultRecordingsDir = "recordings"
)

// configFile is the layout written to config.yaml by init.
type configFile struct {
	Backend       string `yaml:"backend"`
	DataDir       string `yaml:"data_dir,omitempty"`
	SyncStrategy  string `yaml:"sync_strategy"`
	SchemaFile    string `yaml:"schema_file,omitempty"`
	RecordingsDir string `yaml:"recordings_dir"`
	Workers       int    `yaml:"workers"`
	MaxRetries    int    `yaml:"max_retries"`
}

func defaultConfig() configFile {
	return configFile{
		Backend:       types.BackendSQLite,
		SyncStrategy:  types.SyncImmediate,
		RecordingsDir: defaultRecordingsDir,
		Workers:       1,
	}
}

// loadConfig reads config.yaml from configDir. A missing file or directory
// yields the defaults. LARDER_<KEY> environment variables override the file.
func loadConfig(configDir string) (*viper.Viper, error) {
	def := defaultConfig()
	v := viper.New()
	v.SetDefault(cfgKeyBackend, def.Backend)
	v.SetDefault(cfgKeySyncStrategy, def.SyncStrategy)
	v.SetDefault(cfgKeyRecordingsDir, def.RecordingsDir)
	v.SetDefault(cfgKeyWorkers, def.Workers)
	v.SetDefault(cfgKeyMaxRetries, def.MaxRetries)
	v.SetDefault(cfgKeySchemaFile, "")
	v.SetDefault(cfgKeyDataDir, "")
	v.SetEnvPrefix("larder")
	v.AutomaticEnv()

	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

// writeConfigIfMissing creates config.yaml with default values. An existing
// file is left untouched and reported as not written.
func writeConfigIfMissing(configDir, dataDir string) (bool, error) {
	path := filepath.Join(configDir, configFileExt)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat config file: %w", err)
	}

	cfg := defaultConfig()
	cfg.DataDir = dataDir
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return false, fmt.Errorf("marshal config: %w", err)
	}
	header := []byte("# larder configuration\n")
	if err := os.WriteFile(path, append(header, data...), 0o644); err != nil {
		return false, err
	}
	return true, nil
}
