package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/kgofron/ADTimePix3/pkg/utils"
)

// Duration wraps time.Duration so YAML accepts the human form ("10ms",
// "2s") as well as integer nanoseconds. yaml.v2 has no native handling
// for time.Duration strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := unmarshal(&n); err == nil {
		*d = Duration(time.Duration(n))
		return nil
	}

	return fmt.Errorf("duration must be a string like \"10ms\" or integer nanoseconds")
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Configuration represents the complete driver configuration
type Configuration struct {
	Device  DeviceConfig  `yaml:"device"`
	Poller  PollerConfig  `yaml:"poller"`
	Mirror  MirrorConfig  `yaml:"mirror"`
	Sinks   SinksConfig   `yaml:"sinks"`
	Metrics MetricsConfig `yaml:"metrics"`
	API     APIConfig     `yaml:"api"`
	Logging LoggingConfig `yaml:"logging"`
}

// DeviceConfig describes the detector endpoint and the transport contract
// against it. RequestSpacing is the minimum gap between the completion of
// one HTTP request and the start of the next.
type DeviceConfig struct {
	BaseURL        string   `yaml:"base_url"`
	RequestSpacing Duration `yaml:"request_spacing"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// PollerConfig drives the acquisition state machine cadence. The slow
// cadences are expressed in poll ticks, not wall time.
type PollerConfig struct {
	Interval          Duration `yaml:"interval"`
	TransportRetries  int      `yaml:"transport_retries"`
	ParamRefreshEvery int      `yaml:"param_refresh_every"`
	HealthReadEvery   int      `yaml:"health_read_every"`
	CommandQueue      int      `yaml:"command_queue"`
}

// MirrorConfig names the device parameter groups the mirror tracks.
type MirrorConfig struct {
	Groups []string `yaml:"groups"`
}

// SinksConfig aggregates the frame/parameter publication targets.
type SinksConfig struct {
	Log     LogSinkConfig     `yaml:"log"`
	MQTT    MQTTSinkConfig    `yaml:"mqtt"`
	Archive ArchiveSinkConfig `yaml:"archive"`
}

// LogSinkConfig enables the structured-log sink.
type LogSinkConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MQTTSinkConfig configures the MQTT publication sink. The password is
// never read from the file; set TPX3_MQTT_PASSWORD instead.
type MQTTSinkConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Broker        string `yaml:"broker"`
	ClientID      string `yaml:"client_id"`
	TopicPrefix   string `yaml:"topic_prefix"`
	QoS           int    `yaml:"qos"`
	PublishFrames bool   `yaml:"publish_frames"`
	Username      string `yaml:"username"`
	Password      string `yaml:"-"`
}

// ArchiveSinkConfig configures the S3 frame archive and its local catalog.
// Credentials come from the standard AWS chain unless the TPX3_ARCHIVE_
// ACCESS_KEY/SECRET_KEY variables are set; Endpoint switches to a
// path-style custom endpoint (MinIO and friends) when non-empty.
type ArchiveSinkConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	QueueSize   int    `yaml:"queue_size"`
	Workers     int    `yaml:"workers"`
	CatalogPath string `yaml:"catalog_path"`
	AccessKey   string `yaml:"-"`
	SecretKey   string `yaml:"-"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// APIConfig controls the operator control API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Level           string            `yaml:"level"`
	Format          string            `yaml:"format"`
	File            string            `yaml:"file"`
	MaxSizeMB       int               `yaml:"max_size_mb"`
	MaxBackups      int               `yaml:"max_backups"`
	Compress        bool              `yaml:"compress"`
	IncludeStack    bool              `yaml:"include_stack"`
	ComponentLevels map[string]string `yaml:"component_levels"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Device: DeviceConfig{
			BaseURL:        "http://localhost:8081",
			RequestSpacing: Duration(10 * time.Millisecond),
			ConnectTimeout: Duration(2 * time.Second),
			RequestTimeout: Duration(5 * time.Second),
		},
		Poller: PollerConfig{
			Interval:          Duration(50 * time.Millisecond),
			TransportRetries:  3,
			ParamRefreshEvery: 20,
			HealthReadEvery:   200,
			CommandQueue:      16,
		},
		Mirror: MirrorConfig{
			Groups: []string{"detector", "acquisition", "output"},
		},
		Sinks: SinksConfig{
			Log: LogSinkConfig{
				Enabled: true,
			},
			MQTT: MQTTSinkConfig{
				Enabled:       false,
				Broker:        "tcp://localhost:1883",
				ClientID:      "tpx3d",
				TopicPrefix:   "tpx3",
				QoS:           1,
				PublishFrames: false,
			},
			Archive: ArchiveSinkConfig{
				Enabled:     false,
				Bucket:      "",
				Prefix:      "frames",
				Region:      "us-east-1",
				Endpoint:    "",
				QueueSize:   64,
				Workers:     2,
				CatalogPath: "~/.tpx3d/catalog.db",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  ":9090",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8070",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			File:       "",
			MaxSizeMB:  100,
			MaxBackups: 5,
			Compress:   false,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Device settings
	if val := os.Getenv("TPX3_DEVICE_URL"); val != "" {
		c.Device.BaseURL = val
	}
	if val := os.Getenv("TPX3_REQUEST_SPACING"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Device.RequestSpacing = Duration(duration)
		}
	}

	// Poller settings
	if val := os.Getenv("TPX3_POLL_INTERVAL"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Poller.Interval = Duration(duration)
		}
	}
	if val := os.Getenv("TPX3_TRANSPORT_RETRIES"); val != "" {
		if retries, err := strconv.Atoi(val); err == nil {
			c.Poller.TransportRetries = retries
		}
	}

	// Logging settings
	if val := os.Getenv("TPX3_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("TPX3_LOG_FILE"); val != "" {
		c.Logging.File = val
	}

	// Sink settings
	if val := os.Getenv("TPX3_MQTT_BROKER"); val != "" {
		c.Sinks.MQTT.Broker = val
	}
	if val := os.Getenv("TPX3_MQTT_PASSWORD"); val != "" {
		c.Sinks.MQTT.Password = val
	}
	if val := os.Getenv("TPX3_ARCHIVE_BUCKET"); val != "" {
		c.Sinks.Archive.Bucket = val
	}
	if val := os.Getenv("TPX3_ARCHIVE_ENDPOINT"); val != "" {
		c.Sinks.Archive.Endpoint = val
	}
	if val := os.Getenv("TPX3_ARCHIVE_ACCESS_KEY"); val != "" {
		c.Sinks.Archive.AccessKey = val
	}
	if val := os.Getenv("TPX3_ARCHIVE_SECRET_KEY"); val != "" {
		c.Sinks.Archive.SecretKey = val
	}

	// Server settings
	if val := os.Getenv("TPX3_METRICS_LISTEN"); val != "" {
		c.Metrics.Listen = val
	}
	if val := os.Getenv("TPX3_API_LISTEN"); val != "" {
		c.API.Listen = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// knownGroups are the device parameter groups the mirror can track.
var knownGroups = map[string]bool{
	"detector":    true,
	"acquisition": true,
	"output":      true,
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if c.Device.BaseURL == "" {
		return fmt.Errorf("device base_url must be set")
	}
	parsed, err := url.Parse(c.Device.BaseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("device base_url must be an http(s) URL: %s", c.Device.BaseURL)
	}

	if c.Device.RequestSpacing.Std() < 0 {
		return fmt.Errorf("device request_spacing cannot be negative")
	}
	if c.Device.ConnectTimeout.Std() <= 0 {
		return fmt.Errorf("device connect_timeout must be greater than 0")
	}
	if c.Device.RequestTimeout.Std() <= 0 {
		return fmt.Errorf("device request_timeout must be greater than 0")
	}

	if c.Poller.Interval.Std() <= 0 {
		return fmt.Errorf("poller interval must be greater than 0")
	}
	if c.Poller.TransportRetries < 0 {
		return fmt.Errorf("poller transport_retries cannot be negative")
	}
	if c.Poller.ParamRefreshEvery < 1 {
		return fmt.Errorf("poller param_refresh_every must be at least 1")
	}
	if c.Poller.HealthReadEvery < 1 {
		return fmt.Errorf("poller health_read_every must be at least 1")
	}
	if c.Poller.CommandQueue < 1 {
		return fmt.Errorf("poller command_queue must be at least 1")
	}

	if len(c.Mirror.Groups) == 0 {
		return fmt.Errorf("mirror groups cannot be empty")
	}
	for _, group := range c.Mirror.Groups {
		if !knownGroups[group] {
			return fmt.Errorf("unknown mirror group: %s (must be one of: detector, acquisition, output)", group)
		}
	}

	if c.Sinks.MQTT.Enabled {
		if c.Sinks.MQTT.Broker == "" {
			return fmt.Errorf("mqtt broker must be set when the mqtt sink is enabled")
		}
		if c.Sinks.MQTT.QoS < 0 || c.Sinks.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt qos must be 0, 1, or 2")
		}
	}

	if c.Sinks.Archive.Enabled {
		if c.Sinks.Archive.Bucket == "" {
			return fmt.Errorf("archive bucket must be set when the archive sink is enabled")
		}
		if err := utils.ValidateObjectPrefix(c.Sinks.Archive.Prefix); err != nil {
			return fmt.Errorf("archive prefix invalid: %w", err)
		}
		if c.Sinks.Archive.QueueSize < 1 {
			return fmt.Errorf("archive queue_size must be at least 1")
		}
		if c.Sinks.Archive.Workers < 1 {
			return fmt.Errorf("archive workers must be at least 1")
		}
		if c.Sinks.Archive.CatalogPath == "" {
			return fmt.Errorf("archive catalog_path must be set when the archive sink is enabled")
		}
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics listen address must be set when metrics are enabled")
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api listen address must be set when the api is enabled")
	}
	if c.Metrics.Enabled && c.API.Enabled && c.Metrics.Listen == c.API.Listen {
		return fmt.Errorf("metrics and api listen addresses cannot be the same")
	}

	validLogLevels := []string{"trace", "debug", "info", "warn", "error"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.EqualFold(c.Logging.Level, level) {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)",
			c.Logging.Level, strings.Join(validLogLevels, ", "))
	}

	if c.Logging.Format != "" && c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// RequiresRestart compares this configuration against a candidate reload
// and reports the settings that cannot change while the driver is running.
// The transport session, command queue, and sink workers are built once at
// startup; only the log level, slow cadences, and the log sink toggle
// apply live.
func (c *Configuration) RequiresRestart(next *Configuration) []string {
	var frozen []string

	if c.Device != next.Device {
		frozen = append(frozen, "device")
	}
	if c.Poller.Interval != next.Poller.Interval {
		frozen = append(frozen, "poller.interval")
	}
	if c.Poller.TransportRetries != next.Poller.TransportRetries {
		frozen = append(frozen, "poller.transport_retries")
	}
	if c.Poller.CommandQueue != next.Poller.CommandQueue {
		frozen = append(frozen, "poller.command_queue")
	}
	if strings.Join(c.Mirror.Groups, ",") != strings.Join(next.Mirror.Groups, ",") {
		frozen = append(frozen, "mirror.groups")
	}
	if c.Sinks.MQTT != next.Sinks.MQTT {
		frozen = append(frozen, "sinks.mqtt")
	}
	if c.Sinks.Archive != next.Sinks.Archive {
		frozen = append(frozen, "sinks.archive")
	}
	if c.Metrics != next.Metrics {
		frozen = append(frozen, "metrics")
	}
	if c.API != next.API {
		frozen = append(frozen, "api")
	}
	if c.Logging.File != next.Logging.File {
		frozen = append(frozen, "logging.file")
	}
	if c.Logging.Format != next.Logging.Format {
		frozen = append(frozen, "logging.format")
	}
	if c.Logging.IncludeStack != next.Logging.IncludeStack {
		frozen = append(frozen, "logging.include_stack")
	}
	if c.Logging.MaxSizeMB != next.Logging.MaxSizeMB ||
		c.Logging.MaxBackups != next.Logging.MaxBackups ||
		c.Logging.Compress != next.Logging.Compress {
		frozen = append(frozen, "logging.rotation")
	}

	return frozen
}
