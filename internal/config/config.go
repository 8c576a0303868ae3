package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendHomeAssistant = "homeassistant"
	BackendMQTT          = "mqtt"
)

// Config represents the application configuration
type Config struct {
	Log             LogConfig           `yaml:"log"`
	Database        DatabaseConfig      `yaml:"database"`
	Ledger          LedgerConfig        `yaml:"ledger"`
	EventBus        EventBusConfig      `yaml:"eventbus"`
	Backend         string              `yaml:"backend"` // homeassistant | mqtt
	HomeAssistant   HomeAssistantConfig `yaml:"homeassistant"`
	MQTT            MQTTConfig          `yaml:"mqtt"`
	InfluxDB        InfluxDBConfig      `yaml:"influxdb"`
	API             APIConfig           `yaml:"api"`
	Controllers     []ControllerConfig  `yaml:"controllers"`
	Script          string              `yaml:"script"`           // optional Lua file defining more controllers
	ShutdownTimeout Duration            `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
	JSON   bool   `yaml:"json"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LedgerConfig contains activity ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines, must be 1 so changes arrive in order (default: 1)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 256)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 1
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 256
	}
	return c.QueueSize
}

// HomeAssistantConfig contains Home Assistant connection settings
type HomeAssistantConfig struct {
	URL          string   `yaml:"url"`
	Token        string   `yaml:"token"`
	Timeout      Duration `yaml:"timeout"`        // HTTP timeout for REST requests
	RateLimitRPS float64  `yaml:"rate_limit_rps"` // Service calls per second
	MaxRetries   int      `yaml:"max_retries"`    // REST retries on 5xx/429

	// Websocket reconnect settings
	MinRetryBackoff Duration `yaml:"min_retry_backoff"` // Minimum backoff between reconnects (default: 1s)
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"` // Maximum backoff between reconnects (default: 2m)
	RetryMultiplier float64  `yaml:"retry_multiplier"`  // Backoff multiplier (default: 2.0)
	MaxReconnects   int      `yaml:"max_reconnects"`    // Max reconnect attempts, 0 = infinite (default: 0)
}

// MQTTConfig contains MQTT broker and topic settings
type MQTTConfig struct {
	Broker            string   `yaml:"broker"` // e.g. tcp://localhost:1883
	ClientID          string   `yaml:"client_id"`
	Username          string   `yaml:"username"`
	Password          string   `yaml:"password"`
	QoS               int      `yaml:"qos"`
	ConnectTimeout    Duration `yaml:"connect_timeout"`
	MaxReconnectDelay Duration `yaml:"max_reconnect_delay"`

	// Topic templates, {entity} is replaced by the entity ID
	StateTopic        string `yaml:"state_topic"`
	CommandTopic      string `yaml:"command_topic"`
	AvailabilityTopic string `yaml:"availability_topic"` // optional

	PayloadOn  string `yaml:"payload_on"`
	PayloadOff string `yaml:"payload_off"`
}

// InfluxDBConfig contains InfluxDB telemetry settings
type InfluxDBConfig struct {
	Enabled       bool     `yaml:"enabled"`
	URL           string   `yaml:"url"`
	Token         string   `yaml:"token"`
	Org           string   `yaml:"org"`
	Bucket        string   `yaml:"bucket"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// APIConfig contains HTTP API server settings
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// ControllerConfig defines one scene switch and the switches it controls
type ControllerConfig struct {
	Name                 string            `yaml:"name"`
	SceneSwitch          string            `yaml:"scene_switch"`
	OffScene             map[string]string `yaml:"off_scene"`
	OnScenes             []SceneConfig     `yaml:"on_scenes"`
	StateSnapshotSeconds *int              `yaml:"state_snapshot_seconds"` // Restore window after an off (default: 10, 0 disables restore)
	OffDelay             Duration          `yaml:"off_delay"`              // default: 1s
	ApplyTimeout         Duration          `yaml:"apply_timeout"`          // default: 3s
}

// SceneConfig is one named on-scene
type SceneConfig struct {
	Name     string            `yaml:"name"`
	Switches map[string]string `yaml:"switches"`
}

// Controller defaults
const (
	DefaultStateSnapshotSeconds = 10
	DefaultOffDelay             = time.Second
	DefaultApplyTimeout         = 3 * time.Second
)

// SnapshotSeconds returns the restore window in seconds, the default when unset.
func (c *ControllerConfig) SnapshotSeconds() int {
	if c.StateSnapshotSeconds == nil {
		return DefaultStateSnapshotSeconds
	}
	return *c.StateSnapshotSeconds
}

// ApplyDefaults fills unset controller fields
func (c *ControllerConfig) ApplyDefaults() {
	if c.StateSnapshotSeconds == nil {
		seconds := DefaultStateSnapshotSeconds
		c.StateSnapshotSeconds = &seconds
	}
	if c.OffDelay <= 0 {
		c.OffDelay = Duration(DefaultOffDelay)
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = Duration(DefaultApplyTimeout)
	}
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file.
// Controllers are not validated here since a script may still add more; call Validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration data and applies defaults
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./sceneswitch.sqlite"
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendHomeAssistant
	}

	// Home Assistant defaults
	if cfg.HomeAssistant.URL == "" {
		cfg.HomeAssistant.URL = "http://localhost:8123"
	}
	if cfg.HomeAssistant.Timeout == 0 {
		cfg.HomeAssistant.Timeout = Duration(10 * time.Second)
	}
	if cfg.HomeAssistant.RateLimitRPS == 0 {
		cfg.HomeAssistant.RateLimitRPS = 10.0
	}
	if cfg.HomeAssistant.MaxRetries == 0 {
		cfg.HomeAssistant.MaxRetries = 3
	}
	if cfg.HomeAssistant.MinRetryBackoff == 0 {
		cfg.HomeAssistant.MinRetryBackoff = Duration(1 * time.Second)
	}
	if cfg.HomeAssistant.MaxRetryBackoff == 0 {
		cfg.HomeAssistant.MaxRetryBackoff = Duration(2 * time.Minute)
	}
	if cfg.HomeAssistant.RetryMultiplier == 0 {
		cfg.HomeAssistant.RetryMultiplier = 2.0
	}
	// MaxReconnects defaults to 0 (infinite), no need to set

	// MQTT defaults
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "tcp://localhost:1883"
	}
	if cfg.MQTT.ConnectTimeout == 0 {
		cfg.MQTT.ConnectTimeout = Duration(10 * time.Second)
	}
	if cfg.MQTT.MaxReconnectDelay == 0 {
		cfg.MQTT.MaxReconnectDelay = Duration(time.Minute)
	}
	if cfg.MQTT.StateTopic == "" {
		cfg.MQTT.StateTopic = "sceneswitch/{entity}/state"
	}
	if cfg.MQTT.CommandTopic == "" {
		cfg.MQTT.CommandTopic = "sceneswitch/{entity}/set"
	}
	if cfg.MQTT.PayloadOn == "" {
		cfg.MQTT.PayloadOn = "ON"
	}
	if cfg.MQTT.PayloadOff == "" {
		cfg.MQTT.PayloadOff = "OFF"
	}

	// InfluxDB defaults
	if cfg.InfluxDB.BatchSize == 0 {
		cfg.InfluxDB.BatchSize = 100
	}
	if cfg.InfluxDB.FlushInterval == 0 {
		cfg.InfluxDB.FlushInterval = Duration(10 * time.Second)
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// API defaults
	if cfg.API.Port == 0 {
		cfg.API.Port = 9090
	}
	if cfg.API.Host == "" {
		cfg.API.Host = "0.0.0.0"
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	for i := range cfg.Controllers {
		cfg.Controllers[i].ApplyDefaults()
	}
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

// ExpandEnvString expands a single string with environment variables
func ExpandEnvString(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return expandEnvVars(s)
	}
	return s
}
