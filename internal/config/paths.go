// ABOUTME: Resolves the nvagent config root and data directory
// ABOUTME: Honors NVAGENT_CONFIG_ROOT and the XDG base directory variables

package config

import (
	"os"
	"path/filepath"
)

// ConfigRootEnv overrides the config root.
const ConfigRootEnv = "NVAGENT_CONFIG_ROOT"

// ConfigRoot returns the directory holding agent.yaml and the identity profile.
// Priority: NVAGENT_CONFIG_ROOT > XDG_CONFIG_HOME/nvagent > ~/.config/nvagent
func ConfigRoot() string {
	if root := os.Getenv(ConfigRootEnv); root != "" {
		return root
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ".nvagent" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "nvagent")
}

// DataDir returns the nvagent data directory.
// Priority: XDG_DATA_HOME/nvagent > ~/.local/share/nvagent
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "nvagent")
}

// DefaultPath returns the agent settings file inside ConfigRoot.
func DefaultPath() string {
	return filepath.Join(ConfigRoot(), FileName)
}
