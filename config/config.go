package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig holds the sandbox limits and whitelist. These values are
// read once at startup and turned into an immutable sandbox.Policy; nothing
// re-reads them mid-run.
type SandboxConfig struct {
	Backend        string   `mapstructure:"backend"`
	TimeoutSec     int      `mapstructure:"timeout_sec"`
	MemoryMB       int      `mapstructure:"memory_mb"`
	MaxOutputKB    int      `mapstructure:"max_output_kb"`
	MaxSteps       uint64   `mapstructure:"max_steps"`
	MaxFigures     int      `mapstructure:"max_figures"`
	AllowedModules []string `mapstructure:"allowed_modules"`
}

// WorkspaceConfig holds run-directory settings
type WorkspaceConfig struct {
	RunsDir string `mapstructure:"runs_dir"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("STARBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("sandbox.backend", "inprocess")
	v.SetDefault("sandbox.timeout_sec", 30)
	v.SetDefault("sandbox.memory_mb", 512)
	v.SetDefault("sandbox.max_output_kb", 256)
	v.SetDefault("sandbox.max_steps", uint64(100_000_000))
	v.SetDefault("sandbox.max_figures", 16)
	v.SetDefault("sandbox.allowed_modules", []string{"math", "json", "stats", "plot"})

	v.SetDefault("workspace.runs_dir", "./research_runs")
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Sandbox.Backend != "inprocess" && c.Sandbox.Backend != "subprocess" {
		return fmt.Errorf("unsupported sandbox.backend: %s, must be 'inprocess' or 'subprocess'", c.Sandbox.Backend)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.MaxOutputKB <= 0 {
		return fmt.Errorf("sandbox.max_output_kb must be positive, got: %d", c.Sandbox.MaxOutputKB)
	}

	if c.Sandbox.MaxFigures < 0 {
		return fmt.Errorf("sandbox.max_figures must not be negative, got: %d", c.Sandbox.MaxFigures)
	}

	if c.Workspace.RunsDir == "" {
		return fmt.Errorf("workspace.runs_dir must not be empty")
	}

	return nil
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}
