// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Proxy     ProxyConfig     `mapstructure:"proxy" yaml:"proxy"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	Recording RecordingConfig `mapstructure:"recording" yaml:"recording"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig holds settings for launching browser instances.
type BrowserConfig struct {
	Headless bool `mapstructure:"headless" yaml:"headless"`
	// BinaryPath overrides browser discovery. Empty means discover via the
	// vibium cache, then the system install.
	BinaryPath string `mapstructure:"binary_path" yaml:"binary_path"`
	// DriverPath overrides chromedriver discovery.
	DriverPath string `mapstructure:"driver_path" yaml:"driver_path"`
	// Args are extra flags appended to the browser command line.
	Args          []string      `mapstructure:"args" yaml:"args"`
	LaunchTimeout time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
}

// ProxyConfig tunes the WebSocket proxy server.
type ProxyConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// SessionConfig tunes client session behavior.
type SessionConfig struct {
	// FindTimeout is the element lookup timeout forwarded to the remote side
	// when a caller does not pass one explicitly to the find command handler.
	FindTimeout time.Duration `mapstructure:"find_timeout" yaml:"find_timeout"`
}

// RecordingConfig holds the defaults for video recording.
type RecordingConfig struct {
	FPS    int    `mapstructure:"fps" yaml:"fps"`
	Format string `mapstructure:"format" yaml:"format"`
}

// SetDefaults registers the default values on a viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "vibium")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.launch_timeout", 30*time.Second)

	v.SetDefault("proxy.port", 9222)
	v.SetDefault("proxy.shutdown_timeout", 10*time.Second)

	v.SetDefault("session.find_timeout", 30*time.Second)

	v.SetDefault("recording.fps", 10)
	v.SetDefault("recording.format", "mp4")
}

// Validate checks the configuration for values that cannot work at runtime.
func (c *Config) Validate() error {
	if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("proxy.port %d is out of range", c.Proxy.Port)
	}
	if c.Recording.FPS <= 0 {
		return fmt.Errorf("recording.fps must be positive, got %d", c.Recording.FPS)
	}
	switch c.Recording.Format {
	case "mp4", "webm":
	default:
		return fmt.Errorf("recording.format must be mp4 or webm, got %q", c.Recording.Format)
	}
	if c.Session.FindTimeout <= 0 {
		return fmt.Errorf("session.find_timeout must be positive, got %s", c.Session.FindTimeout)
	}
	return nil
}

// Load reads configuration from the given viper instance into a Config,
// applying defaults and validating the result.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
