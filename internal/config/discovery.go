package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigEnv overrides config discovery.
const ConfigEnv = "ENGINEHOST_CONFIG"

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $ENGINEHOST_CONFIG, ~/.config/enginehost/config.yaml,
// /etc/enginehost/config.yaml, ./config.yaml
func DiscoverConfigPath() (string, error) {
	// 1. Check environment variable
	if path := os.Getenv(ConfigEnv); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	// 2. Check user config directory
	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "enginehost", "config.yaml")
		if fileExists(userConfig) {
			return userConfig, nil
		}
	}

	// 3. Check system config directory
	systemConfig := "/etc/enginehost/config.yaml"
	if fileExists(systemConfig) {
		return systemConfig, nil
	}

	// 4. Fallback to the current directory
	if fileExists("./config.yaml") {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/enginehost/config.yaml, /etc/enginehost/config.yaml, ./config.yaml)", ConfigEnv)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
