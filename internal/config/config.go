// Package config provides configuration management for the sidecar supervisor.
//
// Configuration is loaded in order of precedence (highest to lowest):
// 1. Command line flags
// 2. Environment variables (SIDECAR_ prefix)
// 3. Configuration file
// 4. Default values
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Relay output destinations
const (
	OutputConsole = "console"
	OutputLog     = "log"
)

// Config represents the complete supervisor configuration
type Config struct {
	Sidecar  SidecarConfig  `mapstructure:"sidecar" yaml:"sidecar"`
	Launch   LaunchConfig   `mapstructure:"launch" yaml:"launch"`
	Relay    RelayConfig    `mapstructure:"relay" yaml:"relay"`
	Shutdown ShutdownConfig `mapstructure:"shutdown" yaml:"shutdown"`
	History  HistoryConfig  `mapstructure:"history" yaml:"history"`
	Status   StatusConfig   `mapstructure:"status" yaml:"status"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// SidecarConfig identifies the executable to supervise
type SidecarConfig struct {
	Name       string   `mapstructure:"name" yaml:"name"`
	BinDirs    []string `mapstructure:"bin_dirs" yaml:"bin_dirs"`
	SearchPath bool     `mapstructure:"search_path" yaml:"search_path"`
	Tag        string   `mapstructure:"tag" yaml:"tag"`
}

// LaunchConfig controls spawning and the event stream
type LaunchConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	EventBuffer     int           `mapstructure:"event_buffer" yaml:"event_buffer"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

// RelayConfig controls where relayed lines go
type RelayConfig struct {
	Output       string `mapstructure:"output" yaml:"output"`
	MaxLineBytes string `mapstructure:"max_line_bytes" yaml:"max_line_bytes"`
}

// ShutdownConfig bounds how long shutdown waits for the child
type ShutdownConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
	KillTimeout time.Duration `mapstructure:"kill_timeout" yaml:"kill_timeout"`
}

// HistoryConfig sizes the relayed line history
type HistoryConfig struct {
	Capacity int    `mapstructure:"capacity" yaml:"capacity"`
	MaxBytes string `mapstructure:"max_bytes" yaml:"max_bytes"`
}

// StatusConfig configures the HTTP/WebSocket status endpoint
type StatusConfig struct {
	Listen       string        `mapstructure:"listen" yaml:"listen"`
	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	OutputFile string `mapstructure:"output_file" yaml:"output_file"`
	Verbose    bool   `mapstructure:"verbose" yaml:"verbose"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Sidecar: SidecarConfig{
			Name:       "server",
			BinDirs:    []string{"binaries"},
			SearchPath: false,
			Tag:        "[server]",
		},
		Launch: LaunchConfig{
			MaxAttempts:     3,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			EventBuffer:     256,
			DrainTimeout:    2 * time.Second,
		},
		Relay: RelayConfig{
			Output:       OutputConsole,
			MaxLineBytes: "64KB",
		},
		Shutdown: ShutdownConfig{
			GracePeriod: 5 * time.Second,
			KillTimeout: 2 * time.Second,
		},
		History: HistoryConfig{
			Capacity: 1000,
			MaxBytes: "1MB",
		},
		Status: StatusConfig{
			Listen:       "",
			PingInterval: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			OutputFile: "",
			Verbose:    false,
		},
	}
}

// LoadConfig loads configuration from various sources
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigWithViper(viper.New(), configFile)
}

// LoadConfigWithViper loads configuration into the given viper instance, which
// may already carry bound command line flags.
func LoadConfigWithViper(v *viper.Viper, configFile string) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("SIDECAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("sidecar")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.sidecar")
		v.AddConfigPath("/etc/sidecar")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if configFile != "" {
				return nil, fmt.Errorf("config file not found: %s", configFile)
			}
		} else if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s", configFile)
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	v.SetDefault("sidecar.name", defaults.Sidecar.Name)
	v.SetDefault("sidecar.bin_dirs", defaults.Sidecar.BinDirs)
	v.SetDefault("sidecar.search_path", defaults.Sidecar.SearchPath)
	v.SetDefault("sidecar.tag", defaults.Sidecar.Tag)

	v.SetDefault("launch.max_attempts", defaults.Launch.MaxAttempts)
	v.SetDefault("launch.initial_interval", defaults.Launch.InitialInterval)
	v.SetDefault("launch.max_interval", defaults.Launch.MaxInterval)
	v.SetDefault("launch.event_buffer", defaults.Launch.EventBuffer)
	v.SetDefault("launch.drain_timeout", defaults.Launch.DrainTimeout)

	v.SetDefault("relay.output", defaults.Relay.Output)
	v.SetDefault("relay.max_line_bytes", defaults.Relay.MaxLineBytes)

	v.SetDefault("shutdown.grace_period", defaults.Shutdown.GracePeriod)
	v.SetDefault("shutdown.kill_timeout", defaults.Shutdown.KillTimeout)

	v.SetDefault("history.capacity", defaults.History.Capacity)
	v.SetDefault("history.max_bytes", defaults.History.MaxBytes)

	v.SetDefault("status.listen", defaults.Status.Listen)
	v.SetDefault("status.ping_interval", defaults.Status.PingInterval)
	v.SetDefault("status.write_timeout", defaults.Status.WriteTimeout)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output_file", defaults.Logging.OutputFile)
	v.SetDefault("logging.verbose", defaults.Logging.Verbose)
}

// Validate checks the loaded configuration
func Validate(config *Config) error {
	if strings.TrimSpace(config.Sidecar.Name) == "" {
		return fmt.Errorf("sidecar.name cannot be empty")
	}

	if config.Launch.MaxAttempts < 1 {
		return fmt.Errorf("launch.max_attempts must be at least 1, got %d", config.Launch.MaxAttempts)
	}

	if config.Launch.InitialInterval < 0 {
		return fmt.Errorf("launch.initial_interval must be non-negative, got %v", config.Launch.InitialInterval)
	}

	if config.Launch.MaxInterval < config.Launch.InitialInterval {
		return fmt.Errorf("launch.max_interval (%v) must not be below launch.initial_interval (%v)",
			config.Launch.MaxInterval, config.Launch.InitialInterval)
	}

	if config.Launch.EventBuffer < 1 {
		return fmt.Errorf("launch.event_buffer must be positive, got %d", config.Launch.EventBuffer)
	}

	if config.Launch.DrainTimeout <= 0 {
		return fmt.Errorf("launch.drain_timeout must be positive, got %v", config.Launch.DrainTimeout)
	}

	if config.Relay.Output != OutputConsole && config.Relay.Output != OutputLog {
		return fmt.Errorf("relay.output must be 'console' or 'log', got %s", config.Relay.Output)
	}

	if err := validateSizeString(config.Relay.MaxLineBytes, "relay.max_line_bytes"); err != nil {
		return err
	}

	if config.Shutdown.GracePeriod <= 0 {
		return fmt.Errorf("shutdown.grace_period must be positive, got %v", config.Shutdown.GracePeriod)
	}

	if config.Shutdown.KillTimeout <= 0 {
		return fmt.Errorf("shutdown.kill_timeout must be positive, got %v", config.Shutdown.KillTimeout)
	}

	if config.History.Capacity < 1 {
		return fmt.Errorf("history.capacity must be positive, got %d", config.History.Capacity)
	}

	if err := validateSizeString(config.History.MaxBytes, "history.max_bytes"); err != nil {
		return err
	}

	if config.Status.PingInterval <= 0 {
		return fmt.Errorf("status.ping_interval must be positive, got %v", config.Status.PingInterval)
	}

	if config.Status.WriteTimeout <= 0 {
		return fmt.Errorf("status.write_timeout must be positive, got %v", config.Status.WriteTimeout)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[config.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, got %s", config.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[config.Logging.Format] {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %s", config.Logging.Format)
	}

	return nil
}

// validateSizeString validates size strings like "5MB", "64KB"
func validateSizeString(size, field string) error {
	if size == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}

	n, err := ParseSize(size)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	if n == 0 {
		return fmt.Errorf("%s must be greater than zero", field)
	}

	return nil
}

// ParseSize parses size strings like "5MB", "64KB" into bytes
func ParseSize(size string) (int64, error) {
	if size == "" {
		return 0, fmt.Errorf("size string cannot be empty")
	}

	size = strings.ToUpper(strings.TrimSpace(size))

	// Longest suffix first so "MB" is not read as "B".
	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	multiplier := int64(1)
	valueStr := size
	for _, unit := range units {
		if strings.HasSuffix(size, unit.suffix) {
			multiplier = unit.multiplier
			valueStr = strings.TrimSuffix(size, unit.suffix)
			break
		}
	}

	var floatValue float64
	if n, err := fmt.Sscanf(valueStr, "%f", &floatValue); err != nil || n != 1 {
		return 0, fmt.Errorf("invalid numeric value in size string: %s", valueStr)
	}
	if floatValue != float64(int64(floatValue)) {
		return 0, fmt.Errorf("float values not supported in size string: %s", valueStr)
	}

	value := int64(floatValue)
	if value < 0 {
		return 0, fmt.Errorf("size value cannot be negative: %d", value)
	}

	return value * multiplier, nil
}

// GetConfigPaths returns the paths where config files are searched
func GetConfigPaths() []string {
	paths := []string{
		"./sidecar.yaml",
		"./sidecar.yml",
		"./sidecar.json",
		"./sidecar.toml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".sidecar", "sidecar.yaml"),
			filepath.Join(home, ".sidecar", "sidecar.yml"),
		)
	}

	return append(paths,
		"/etc/sidecar/sidecar.yaml",
		"/etc/sidecar/sidecar.yml",
	)
}

// GetEnvVarName returns the environment variable name for a config key
func GetEnvVarName(key string) string {
	return "SIDECAR_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
