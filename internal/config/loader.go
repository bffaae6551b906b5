package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	// Missing file means defaults plus environment overrides.
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := l.applyEnv(cfg); err != nil {
			return nil, err
		}
		l.fillDerivedPaths(cfg)
		return cfg, nil
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Schema errors give field-level messages before viper flattens them.
	if err := ValidateDocument(raw); err != nil {
		return nil, fmt.Errorf("config file %s: %w", configPath, err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("KAPTEN")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}
	l.fillDerivedPaths(cfg)

	return cfg, nil
}

// applyEnv layers well-known environment overrides on top of the file.
func (l *Loader) applyEnv(cfg *Config) error {
	if secret := os.Getenv("KAPTEN_GATEWAY_SECRET"); secret != "" {
		cfg.Gateway.SharedSecret = secret
	}
	if binary := os.Getenv("KAPTEN_ENGINE_BINARY"); binary != "" {
		cfg.Engine.Binary = binary
	}
	if level := os.Getenv("KAPTEN_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if dataDir := os.Getenv("KAPTEN_DATA_DIR"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	return nil
}

// fillDerivedPaths resolves paths left empty relative to the data directory.
func (l *Loader) fillDerivedPaths(cfg *Config) {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			cfg.DataDir = ".kapten"
		} else {
			cfg.DataDir = filepath.Join(home, ".kapten")
		}
	}
	if cfg.Session.DBPath == "" {
		cfg.Session.DBPath = filepath.Join(cfg.DataDir, "sessions.db")
	}
	if cfg.Session.TranscriptDir == "" {
		cfg.Session.TranscriptDir = filepath.Join(cfg.DataDir, "transcripts")
	}
	if cfg.Cron.StorePath == "" {
		cfg.Cron.StorePath = filepath.Join(cfg.DataDir, "jobs.json")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "kapten.log")
	}
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("gateway", cfg.Gateway)
	v.Set("engine", cfg.Engine)
	v.Set("session", cfg.Session)
	v.Set("permission", cfg.Permission)
	v.Set("cron", cfg.Cron)
	v.Set("defaults", cfg.Defaults)
	v.Set("logging", cfg.Logging)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".kapten", "kapten.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
