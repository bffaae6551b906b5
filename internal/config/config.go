// Package config loads and validates the kapten configuration file,
// layering KAPTEN_ environment variables over ~/.kapten/kapten.json.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Config represents the main kapten configuration
type Config struct {
	// Data directory for the session db, transcripts, and job registry
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Gateway server
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Engine CLI
	Engine EngineConfig `json:"engine" mapstructure:"engine"`

	// Session persistence
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Tool confirmation
	Permission PermissionConfig `json:"permission" mapstructure:"permission"`

	// Scheduled sessions
	Cron CronConfig `json:"cron" mapstructure:"cron"`

	// Defaults applied to sessions that omit them
	Defaults DefaultsConfig `json:"defaults" mapstructure:"defaults"`

	// MCP servers the engine launches per invocation
	MCPServers map[string]MCPServerConfig `json:"mcp_servers" mapstructure:"mcp_servers"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port                int    `json:"port" mapstructure:"port"`
	Host                string `json:"host" mapstructure:"host"`
	SharedSecret        string `json:"shared_secret" mapstructure:"shared_secret"`
	TickIntervalSeconds int    `json:"tick_interval_seconds" mapstructure:"tick_interval_seconds"`
}

// EngineConfig holds engine CLI configuration
type EngineConfig struct {
	Binary    string   `json:"binary" mapstructure:"binary"`
	APIKeyEnv string   `json:"api_key_env" mapstructure:"api_key_env"`
	ExtraArgs []string `json:"extra_args" mapstructure:"extra_args"`
}

// SessionConfig holds session persistence configuration
type SessionConfig struct {
	DBPath        string `json:"db_path" mapstructure:"db_path"`
	TranscriptDir string `json:"transcript_dir" mapstructure:"transcript_dir"`
}

// PermissionConfig holds tool confirmation configuration
type PermissionConfig struct {
	TimeoutSeconds int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// CronConfig holds scheduler configuration
type CronConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	StorePath string `json:"store_path" mapstructure:"store_path"`
}

// DefaultsConfig holds per-session defaults
type DefaultsConfig struct {
	WorkingDir   string   `json:"working_dir" mapstructure:"working_dir"`
	Model        string   `json:"model" mapstructure:"model"`
	SystemPrompt string   `json:"system_prompt" mapstructure:"system_prompt"`
	AllowedTools []string `json:"allowed_tools" mapstructure:"allowed_tools"`
}

// MCPServerConfig describes one external MCP server definition
type MCPServerConfig struct {
	Command string            `json:"command" mapstructure:"command"`
	Args    []string          `json:"args" mapstructure:"args"`
	Env     map[string]string `json:"env" mapstructure:"env"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port:                8080,
			Host:                "0.0.0.0",
			TickIntervalSeconds: 30,
		},
		Engine: EngineConfig{
			Binary:    "claude",
			APIKeyEnv: "ANTHROPIC_API_KEY",
		},
		Permission: PermissionConfig{
			TimeoutSeconds: 300,
		},
		Cron: CronConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
	}
}

// Clone returns a deep copy so callers can hand out read-only snapshots.
func (c *Config) Clone() *Config {
	data, _ := json.Marshal(c)
	out := &Config{}
	_ = json.Unmarshal(data, out)
	return out
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "****"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

var validLogLevels = map[string]bool{
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port out of range: %d", c.Gateway.Port)
	}
	if c.Gateway.SharedSecret == "" {
		return fmt.Errorf("gateway shared_secret is required")
	}
	if len(c.Gateway.SharedSecret) < 16 {
		return fmt.Errorf("gateway shared_secret must be at least 16 characters")
	}

	if c.Engine.Binary == "" {
		return fmt.Errorf("engine binary is required")
	}
	if c.Engine.APIKeyEnv != "" && strings.ContainsAny(c.Engine.APIKeyEnv, "= ") {
		return fmt.Errorf("invalid engine api_key_env: %s", c.Engine.APIKeyEnv)
	}

	if c.Permission.TimeoutSeconds <= 0 {
		return fmt.Errorf("permission timeout_seconds must be positive")
	}

	if c.Logging.Level != "" && !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	for name, server := range c.MCPServers {
		if name == "" {
			return fmt.Errorf("mcp server with empty name")
		}
		if server.Command == "" {
			return fmt.Errorf("mcp server %s: command is required", name)
		}
	}

	return nil
}
