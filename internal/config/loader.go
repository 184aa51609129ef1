package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ConvoSphere/metamcp/pkg/logging"
)

const (
	userConfigDir  = ".config/metamcp"
	configFileName = "config.yaml"
)

// GetDefaultConfigPathOrPanic returns the per-user configuration
// directory.
func GetDefaultConfigPathOrPanic() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Errorf("could not determine user config directory: %w", err))
	}
	return filepath.Join(homeDir, userConfigDir)
}

// LoadConfig loads configuration from the specified directory. The
// directory holds config.yaml and the backends/ subdirectory; a missing
// config.yaml yields the defaults.
func LoadConfig(configPath string) (Config, error) {
	configFilePath := filepath.Join(configPath, configFileName)
	config := GetDefaultConfig()

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
			return config, nil
		}
		return Config{}, fmt.Errorf("error reading config from %s: %w", configFilePath, err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
	}

	if errs := config.Validate(); errs.HasErrors() {
		return Config{}, errs
	}

	logging.Info("ConfigLoader", "Loaded configuration from %s", configFilePath)
	return config, nil
}

// BackendsPath resolves the backend definition directory against the
// configuration directory.
func (c Config) BackendsPath(configPath string) string {
	if filepath.IsAbs(c.Discovery.BackendsDir) {
		return c.Discovery.BackendsDir
	}
	return filepath.Join(configPath, c.Discovery.BackendsDir)
}

// LoadBackendDefinition reads and validates one backend definition file.
func LoadBackendDefinition(path string) (BackendDefinition, error) {
	var def BackendDefinition
	data, err := os.ReadFile(path)
	if err != nil {
		return def, fmt.Errorf("error reading backend definition %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &def); err != nil {
		return def, fmt.Errorf("error parsing backend definition %s: %w", path, err)
	}
	if errs := def.Validate(); errs.HasErrors() {
		return def, fmt.Errorf("invalid backend definition %s: %w", path, errs)
	}
	return def, nil
}
