package userconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	configDirName  = "worksheet"
	configFileName = "preferences.json"
)

// UserConfig represents the user's CLI preferences stored in ~/.config/worksheet/preferences.json.
// Nothing secret goes here; credentials live in the auth store.
type UserConfig struct {
	LastEmail string `json:"last_email,omitempty"`
	Plan      string `json:"plan,omitempty"`
}

// GetConfigPath returns the path to the user config file
func GetConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".config", configDirName)
	return filepath.Join(configDir, configFileName), nil
}

// Load reads the user configuration file
func Load() (*UserConfig, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return &UserConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user config file: %w", err)
	}

	var cfg UserConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse user config file: %w", err)
	}

	return &cfg, nil
}

// Save writes the user configuration to a file
func Save(cfg *UserConfig) error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal user config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write user config file: %w", err)
	}

	return nil
}

// RememberEmail records the address used for the last sign-in
func RememberEmail(email string) error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	if cfg.LastEmail == email {
		return nil
	}
	cfg.LastEmail = email
	return Save(cfg)
}

// LastEmail returns the remembered address, or empty string if not set
func LastEmail() string {
	cfg, err := Load()
	if err != nil {
		return ""
	}
	return cfg.LastEmail
}

// RememberPlan records the billing plan picked last
func RememberPlan(plan string) error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	cfg.Plan = plan
	return Save(cfg)
}

// Plan returns the remembered plan, defaulting to monthly
func Plan() string {
	cfg, err := Load()
	if err != nil || cfg.Plan == "" {
		return "monthly"
	}
	return cfg.Plan
}
