package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Signpost Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	API      APIConfig      `yaml:"api"`
	Stream   StreamConfig   `yaml:"stream"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
	Fleet    FleetConfig    `yaml:"fleet"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
// The broker is optional: when disabled, signs report over HTTP only.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
//
// Write applies to ordinary requests only; the streaming endpoints clear
// their write deadline per frame.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// StreamConfig contains settings for the observer event streams (SSE and WebSocket).
type StreamConfig struct {
	// HeartbeatInterval is how often the hub emits a heartbeat frame (seconds).
	HeartbeatInterval int `yaml:"heartbeat_interval"`

	// SendBuffer is the per-subscriber outbound queue length. A subscriber
	// whose queue fills up is considered hung and is dropped.
	SendBuffer int `yaml:"send_buffer"`

	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings.
// Used when Output is "file".
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// FleetConfig contains sign fleet behaviour.
type FleetConfig struct {
	// StalenessThreshold is the silence (seconds) after which a sign is offline.
	StalenessThreshold int `yaml:"staleness_threshold"`

	// SweepInterval is the staleness sweep period (seconds).
	SweepInterval int `yaml:"sweep_interval"`

	// Seed lists signs provisioned when the store is empty.
	Seed []SeedSign `yaml:"seed"`
}

// SeedSign is a sign provisioned on first start.
type SeedSign struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Heading int    `yaml:"heading"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: SIGNPOST_SECTION_KEY
// For example: SIGNPOST_DATABASE_PATH, SIGNPOST_API_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/signpost.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: false,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "signpost-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 3000,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Stream: StreamConfig{
			HeartbeatInterval: 15,
			SendBuffer:        256,
			MaxMessageSize:    8192,
			PingInterval:      30,
			PongTimeout:       10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File: FileLoggingConfig{
				Path:       "./logs/signpost.log",
				MaxSize:    50,
				MaxBackups: 5,
				MaxAge:     28,
			},
		},
		Fleet: FleetConfig{
			StalenessThreshold: 30,
			SweepInterval:      30,
			Seed: []SeedSign{
				{ID: "1", Name: "1"},
				{ID: "2", Name: "2"},
				{ID: "3", Name: "3"},
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: SIGNPOST_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SIGNPOST_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("SIGNPOST_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SIGNPOST_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("SIGNPOST_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("SIGNPOST_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("SIGNPOST_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("SIGNPOST_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("SIGNPOST_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("SIGNPOST_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.TLS.Enabled && (c.API.TLS.CertFile == "" || c.API.TLS.KeyFile == "") {
		errs = append(errs, "api.tls.cert_file and api.tls.key_file are required when tls is enabled")
	}

	if c.Stream.HeartbeatInterval <= 0 {
		errs = append(errs, "stream.heartbeat_interval must be positive")
	}
	if c.Stream.SendBuffer <= 0 {
		errs = append(errs, "stream.send_buffer must be positive")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Logging.Output == "file" && c.Logging.File.Path == "" {
		errs = append(errs, "logging.file.path is required when logging.output is file")
	}

	if c.Fleet.StalenessThreshold <= 0 {
		errs = append(errs, "fleet.staleness_threshold must be positive")
	}
	if c.Fleet.SweepInterval <= 0 {
		errs = append(errs, "fleet.sweep_interval must be positive")
	}
	seen := make(map[string]struct{}, len(c.Fleet.Seed))
	for i, s := range c.Fleet.Seed {
		if s.ID == "" {
			errs = append(errs, fmt.Sprintf("fleet.seed[%d].id is required", i))
			continue
		}
		if _, dup := seen[s.ID]; dup {
			errs = append(errs, fmt.Sprintf("fleet.seed[%d].id %q is duplicated", i, s.ID))
		}
		seen[s.ID] = struct{}{}
		if s.Heading < 0 || s.Heading >= 360 {
			errs = append(errs, fmt.Sprintf("fleet.seed[%d].heading must be in [0, 360)", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// StalenessThreshold returns the fleet staleness threshold as a Duration.
func (c *Config) StalenessThreshold() time.Duration {
	return time.Duration(c.Fleet.StalenessThreshold) * time.Second
}

// SweepInterval returns the staleness sweep period as a Duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Fleet.SweepInterval) * time.Second
}

// HeartbeatInterval returns the stream heartbeat period as a Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Stream.HeartbeatInterval) * time.Second
}
