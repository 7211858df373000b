package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends for the persisted auth record
const (
	StoreMemory  = "memory"
	StoreSQLite  = "sqlite"
	StoreKeyring = "keyring"
)

// Config holds all configuration for the application
type Config struct {
	// Client Configuration
	Client ClientConfig `yaml:"client"`

	// Server Configuration (development backend)
	Server ServerConfig `yaml:"server"`

	// Logging Configuration
	Logging LoggingConfig `yaml:"logging"`
}

// ClientConfig holds the session client configuration
type ClientConfig struct {
	APIURL           string        `yaml:"api_url"`
	Store            string        `yaml:"store"` // memory, sqlite, keyring
	StorePath        string        `yaml:"store_path"`
	ValidateInterval time.Duration `yaml:"validate_interval"`
}

// ServerConfig holds the development backend configuration
type ServerConfig struct {
	Port         string   `yaml:"port"`
	DatabaseURL  string   `yaml:"database_url"`
	JWTSecret    string   `yaml:"jwt_secret"`
	AllowOrigins []string `yaml:"allow_origins"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			APIURL:           "http://localhost:8080",
			Store:            StoreSQLite,
			StorePath:        defaultStorePath(),
			ValidateInterval: 60 * time.Second,
		},
		Server: ServerConfig{
			Port:        "8080",
			DatabaseURL: "worksheet.sqlite",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from .env files, an optional YAML file named by
// WORKSHEET_CONFIG and environment variables, later sources winning
func Load() (*Config, error) {
	// Load .env files (fails silently if files don't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	cfg := Default()

	if path := os.Getenv("WORKSHEET_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	setString(&c.Client.APIURL, "WORKSHEET_API_URL")
	setString(&c.Client.Store, "WORKSHEET_STORE")
	setString(&c.Client.StorePath, "WORKSHEET_STORE_PATH")

	if v := os.Getenv("WORKSHEET_VALIDATE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid WORKSHEET_VALIDATE_INTERVAL %q: %w", v, err)
		}
		c.Client.ValidateInterval = d
	}

	setString(&c.Server.Port, "PORT")
	setString(&c.Server.DatabaseURL, "DATABASE_URL")
	setString(&c.Server.JWTSecret, "JWT_SECRET")
	if v := os.Getenv("WORKSHEET_ALLOW_ORIGINS"); v != "" {
		c.Server.AllowOrigins = strings.Split(v, ",")
	}

	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")
	return nil
}

// Validate checks values that cannot be defaulted
func (c *Config) Validate() error {
	switch c.Client.Store {
	case StoreMemory, StoreSQLite, StoreKeyring:
	default:
		return fmt.Errorf("unknown store %q, must be one of: memory, sqlite, keyring", c.Client.Store)
	}
	if c.Client.Store == StoreSQLite && c.Client.StorePath == "" {
		return fmt.Errorf("store path is required for the sqlite store")
	}
	if c.Client.ValidateInterval < time.Second {
		return fmt.Errorf("validate interval must be at least 1s, got %s", c.Client.ValidateInterval)
	}
	if c.Client.APIURL == "" {
		return fmt.Errorf("api url is required")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func defaultStorePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "worksheet-auth.sqlite"
	}
	return filepath.Join(homeDir, ".config", "worksheet", "auth.sqlite")
}
