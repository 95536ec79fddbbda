package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the daemon bootstrap configuration. Engine behaviour
// (subnet, interface, policy) lives in the datastore, see Settings.
type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	Observability ObservabilityConfig `yaml:"observability"`
	Engine        EngineConfig        `yaml:"engine"`
	OUI           OUIConfig           `yaml:"oui"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
}

// DatabaseConfig holds datastore connection settings
type DatabaseConfig struct {
	Driver         string        `yaml:"driver"` // postgres, sqlite
	Connection     string        `yaml:"connection"`
	MaxConnections int32         `yaml:"max_connections"`
	MinConnections int32         `yaml:"min_connections"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ObservabilityConfig holds monitoring and logging settings
type ObservabilityConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsPort    int    `yaml:"metrics_port"`
	MetricsPath    string `yaml:"metrics_path"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
}

// EngineConfig tunes the lease automation engine's process-level timings
type EngineConfig struct {
	CaptureStopTimeout time.Duration `yaml:"capture_stop_timeout"`
	ReleasePause       time.Duration `yaml:"release_pause"`
	SweepTimeout       time.Duration `yaml:"sweep_timeout"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	ProbePrivileged    bool          `yaml:"probe_privileged"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// OUIConfig points at an optional vendor prefix file
type OUIConfig struct {
	File string `yaml:"file,omitempty"`
}

// MQTTConfig holds the optional event publisher settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// Load reads and parses a YAML configuration file. Variables from a .env
// file in the working directory are loaded first so the YAML can reference them.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// LoadOrDefault behaves like Load but falls back to defaults when the file is missing
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Parse(nil)
	}
	return cfg, err
}

// Parse expands environment variables in data and decodes it
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for optional fields
func (c *Config) setDefaults() {
	// Database defaults
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Connection == "" && c.Database.Driver == "sqlite" {
		c.Database.Connection = "leasereaper.db"
	}
	if c.Database.MaxConnections == 0 {
		c.Database.MaxConnections = 10
	}
	if c.Database.MinConnections == 0 {
		c.Database.MinConnections = 2
	}
	if c.Database.ConnectTimeout == 0 {
		c.Database.ConnectTimeout = 10 * time.Second
	}

	// Observability defaults
	if c.Observability.MetricsPort == 0 {
		c.Observability.MetricsPort = 9090
	}
	if c.Observability.MetricsPath == "" {
		c.Observability.MetricsPath = "/metrics"
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.LogFormat == "" {
		c.Observability.LogFormat = "json"
	}

	// Engine defaults
	if c.Engine.CaptureStopTimeout == 0 {
		c.Engine.CaptureStopTimeout = 5 * time.Second
	}
	if c.Engine.ReleasePause == 0 {
		c.Engine.ReleasePause = time.Second
	}
	if c.Engine.SweepTimeout == 0 {
		c.Engine.SweepTimeout = 3 * time.Second
	}
	if c.Engine.ProbeTimeout == 0 {
		c.Engine.ProbeTimeout = time.Second
	}
	if c.Engine.ShutdownTimeout == 0 {
		c.Engine.ShutdownTimeout = 30 * time.Second
	}

	// MQTT defaults
	if c.MQTT.Enabled {
		if c.MQTT.ClientID == "" {
			c.MQTT.ClientID = "leasereaper"
		}
		if c.MQTT.TopicPrefix == "" {
			c.MQTT.TopicPrefix = "leasereaper"
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be one of: postgres, sqlite")
	}
	if c.Database.Connection == "" {
		return fmt.Errorf("database connection string is required")
	}
	if c.Database.MaxConnections < c.Database.MinConnections {
		return fmt.Errorf("max_connections must be >= min_connections")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Observability.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Observability.LogFormat] {
		return fmt.Errorf("log_format must be one of: json, text")
	}

	if c.Engine.ReleasePause < 0 {
		return fmt.Errorf("engine.release_pause must not be negative")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}

	return nil
}
