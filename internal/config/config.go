// Package config loads runtime settings: built-in defaults, then an optional
// YAML file, then TRAFFIC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"traffic-congestion-monitor/internal/transport"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the top-level configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Serial    SerialConfig    `yaml:"serial"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig is the HTTP listener
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr returns host:port for http.Server
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SerialConfig selects the sensor transport. An empty Port with an empty
// Simulate leaves the pipeline idle until /api/connect is called.
type SerialConfig struct {
	Port             string        `yaml:"port"`
	BaudRate         int           `yaml:"baud_rate"`
	Simulate         string        `yaml:"simulate"`
	SimulateInterval time.Duration `yaml:"simulate_interval"`
}

type PipelineConfig struct {
	WindowSize      int           `yaml:"window_size"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ErrorBackoff    time.Duration `yaml:"error_backoff"`
	MaxFrameBytes   int           `yaml:"max_frame_bytes"`
	HistorySize     int           `yaml:"history_size"`
	ReplayOnConnect int           `yaml:"replay_on_connect"`
	SinkQueueSize   int           `yaml:"sink_queue_size"`
	SinkTimeout     time.Duration `yaml:"sink_timeout"`
}

type BroadcastConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	DeliverTimeout time.Duration `yaml:"deliver_timeout"`
}

type DatabaseConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8000,
			AllowedOrigins: []string{"*"},
		},
		Serial: SerialConfig{
			BaudRate:         115200,
			SimulateInterval: 500 * time.Millisecond,
		},
		Pipeline: PipelineConfig{
			WindowSize:      30,
			PollInterval:    10 * time.Millisecond,
			ErrorBackoff:    100 * time.Millisecond,
			MaxFrameBytes:   64 * 1024,
			HistorySize:     1000,
			ReplayOnConnect: 50,
			SinkQueueSize:   256,
			SinkTimeout:     5 * time.Second,
		},
		Broadcast: BroadcastConfig{
			QueueSize:      64,
			DeliverTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{
			Path:          "traffic_data.db",
			RetentionDays: 30,
		},
		MQTT: MQTTConfig{
			ClientID: "traffic-congestion-monitor",
			Topic:    "traffic/congestion/events",
		},
		Kafka: KafkaConfig{
			Topic: "traffic.congestion.events",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides reads TRAFFIC_* variables. Setting a broker address
// enables that publisher.
func applyEnvOverrides(cfg *Config) error {
	var errs []error
	intVar := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	strVar := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	strVar("TRAFFIC_HOST", &cfg.Server.Host)
	intVar("TRAFFIC_HTTP_PORT", &cfg.Server.Port)
	strVar("TRAFFIC_SERIAL_PORT", &cfg.Serial.Port)
	intVar("TRAFFIC_BAUD_RATE", &cfg.Serial.BaudRate)
	strVar("TRAFFIC_SIMULATE", &cfg.Serial.Simulate)
	intVar("TRAFFIC_WINDOW_SIZE", &cfg.Pipeline.WindowSize)
	strVar("TRAFFIC_DB_PATH", &cfg.Database.Path)
	intVar("TRAFFIC_RETENTION_DAYS", &cfg.Database.RetentionDays)
	strVar("TRAFFIC_LOG_LEVEL", &cfg.Log.Level)
	strVar("TRAFFIC_LOG_FORMAT", &cfg.Log.Format)

	if v := os.Getenv("TRAFFIC_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
		cfg.MQTT.Enabled = true
	}
	strVar("TRAFFIC_MQTT_TOPIC", &cfg.MQTT.Topic)

	if v := os.Getenv("TRAFFIC_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
		cfg.Kafka.Enabled = true
	}
	strVar("TRAFFIC_KAFKA_TOPIC", &cfg.Kafka.Topic)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks ranges and cross-field requirements
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port <= 65535, "server.port %d out of range", c.Server.Port)
	check(c.Serial.BaudRate > 0, "serial.baud_rate must be positive")
	modes := transport.SimulationModes()
	check(c.Serial.Simulate == "" || contains(modes, c.Serial.Simulate),
		"serial.simulate %q must be one of %v", c.Serial.Simulate, modes)
	check(c.Serial.Simulate == "" || c.Serial.Port == "", "serial.port and serial.simulate are mutually exclusive")

	p := c.Pipeline
	check(p.WindowSize > 0, "pipeline.window_size must be positive")
	check(p.PollInterval > 0, "pipeline.poll_interval must be positive")
	check(p.ErrorBackoff > 0, "pipeline.error_backoff must be positive")
	check(p.MaxFrameBytes >= 64, "pipeline.max_frame_bytes must be at least 64")
	check(p.HistorySize > 0, "pipeline.history_size must be positive")
	check(p.ReplayOnConnect >= 0 && p.ReplayOnConnect <= p.HistorySize,
		"pipeline.replay_on_connect must be between 0 and history_size")
	check(p.SinkQueueSize > 0, "pipeline.sink_queue_size must be positive")
	check(p.SinkTimeout > 0, "pipeline.sink_timeout must be positive")

	check(c.Broadcast.QueueSize > 0, "broadcast.queue_size must be positive")
	check(c.Broadcast.DeliverTimeout > 0, "broadcast.deliver_timeout must be positive")

	check(c.Database.Path != "", "database.path is required")
	check(c.Database.RetentionDays >= 0, "database.retention_days must not be negative")

	check(!c.MQTT.Enabled || c.MQTT.Broker != "", "mqtt.broker is required when mqtt is enabled")
	check(c.MQTT.QoS <= 2, "mqtt.qos must be 0, 1 or 2")
	check(!c.Kafka.Enabled || len(c.Kafka.Brokers) > 0, "kafka.brokers is required when kafka is enabled")

	_, err := ParseLevel(c.Log.Level)
	check(err == nil, "log.level %q is not one of debug, info, warn, error", c.Log.Level)
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format %q must be text or json", c.Log.Format)

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// ParseLevel maps a level name to a slog level
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalidConfig, s)
	}
	return l, nil
}

// NewLogger builds the process logger writing to w
func NewLogger(w io.Writer, c LogConfig) (*slog.Logger, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch c.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("%w: log format %q", ErrInvalidConfig, c.Format)
	}
}
