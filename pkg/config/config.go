package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the taskd daemon configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Coordinator CoordinatorConfig `yaml:"coordinator" mapstructure:"coordinator"`
	Logging     LoggingConfig     `yaml:"logging" mapstructure:"logging"`
	Tracing     TracingConfig     `yaml:"tracing" mapstructure:"tracing"`
	Handlers    HandlersConfig    `yaml:"handlers" mapstructure:"handlers"`
	Limits      map[string]int    `yaml:"limits" mapstructure:"limits"`
}

// ServerConfig holds the HTTP API configuration
type ServerConfig struct {
	Address         string        `yaml:"address" mapstructure:"address"`
	Port            int           `yaml:"port" mapstructure:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	EnableCORS      bool          `yaml:"enable_cors" mapstructure:"enable_cors"`
}

// CoordinatorConfig holds the task engine configuration
type CoordinatorConfig struct {
	Workers        int           `yaml:"workers" mapstructure:"workers"`
	PollInterval   time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	DispatchBuffer int           `yaml:"dispatch_buffer" mapstructure:"dispatch_buffer"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	OutputFile string `yaml:"output_file" mapstructure:"output_file"`
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled       bool    `yaml:"enabled" mapstructure:"enabled"`
	ServiceName   string  `yaml:"service_name" mapstructure:"service_name"`
	Exporter      string  `yaml:"exporter" mapstructure:"exporter"`
	Endpoint      string  `yaml:"endpoint" mapstructure:"endpoint"`
	SamplingRatio float64 `yaml:"sampling_ratio" mapstructure:"sampling_ratio"`
}

// HandlersConfig controls which built-in handlers are registered
type HandlersConfig struct {
	EnableCommand bool                   `yaml:"enable_command" mapstructure:"enable_command"`
	EnableSleep   bool                   `yaml:"enable_sleep" mapstructure:"enable_sleep"`
	Options       map[string]interface{} `yaml:"options" mapstructure:"options"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         "localhost",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			EnableCORS:      false,
		},
		Coordinator: CoordinatorConfig{
			Workers:        4,
			PollInterval:   100 * time.Millisecond,
			DispatchBuffer: 16,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			ServiceName:   "taskd",
			Exporter:      "stdout",
			SamplingRatio: 1.0,
		},
		Handlers: HandlersConfig{
			EnableCommand: true,
			EnableSleep:   true,
		},
		Limits: map[string]int{},
	}
}

// LoadConfig loads the configuration from a file, the environment and the
// defaults, in ascending precedence of defaults < file < environment.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("taskd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.config/taskd")
		v.AddConfigPath("/etc/taskd")
	}

	v.SetEnvPrefix("TASKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine, defaults plus environment apply
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// SaveConfig writes the configuration to a YAML file
func (c *Config) SaveConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server address cannot be empty")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be between 1 and 65535)", c.Server.Port)
	}

	if c.Coordinator.Workers < 1 {
		return fmt.Errorf("coordinator workers must be at least 1")
	}

	if c.Coordinator.PollInterval <= 0 {
		return fmt.Errorf("coordinator poll interval must be positive")
	}

	if c.Coordinator.DispatchBuffer < 1 {
		return fmt.Errorf("coordinator dispatch buffer must be at least 1")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be trace, debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.Logging.Format)
	}

	if c.Tracing.Enabled {
		validExporters := map[string]bool{
			"jaeger": true, "otlp": true, "stdout": true, "none": true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing exporter: %s (must be jaeger, otlp, stdout, or none)", c.Tracing.Exporter)
		}
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing service name cannot be empty")
		}
		if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
			return fmt.Errorf("invalid sampling ratio: %f (must be between 0 and 1)", c.Tracing.SamplingRatio)
		}
	}

	for taskType, max := range c.Limits {
		if taskType == "" {
			return fmt.Errorf("concurrency limit task type cannot be empty")
		}
		if max < 0 {
			return fmt.Errorf("concurrency limit for %q cannot be negative", taskType)
		}
	}

	return nil
}

// ListenAddress returns the host:port string the API server binds to
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}
