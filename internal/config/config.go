// Package config loads service configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// HTTPConfig holds the listen ports for the two HTTP surfaces.
type HTTPConfig struct {
	Port          int `yaml:"port"`
	DashboardPort int `yaml:"dashboard_port"`
}

// StreamConfig tunes the tick loop and the generator.
type StreamConfig struct {
	IntervalMS      int     `yaml:"interval_ms"`
	ActiveWindowSec int     `yaml:"active_window_sec"`
	MaxSpeedKMH     float64 `yaml:"max_speed_kmh"`
	// Seed fixes the generator's random stream; 0 seeds from the clock.
	Seed int64 `yaml:"seed"`
}

// PublisherConfig tunes ingestion delivery and retry.
type PublisherConfig struct {
	QueueCapacity    int `yaml:"queue_capacity"`
	Workers          int `yaml:"workers"`
	MaxRetries       int `yaml:"max_retries"`
	BackoffBaseMS    int `yaml:"backoff_base_ms"`
	BackoffMaxMS     int `yaml:"backoff_max_ms"`
	PublishTimeoutMS int `yaml:"publish_timeout_ms"`
	DrainDeadlineMS  int `yaml:"drain_deadline_ms"`
}

// HubConfig tunes live fan-out.
type HubConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// QueryConfig tunes the aggregation query service.
type QueryConfig struct {
	TrackLimitDefault   int `yaml:"track_limit_default"`
	TrackLimitMax       int `yaml:"track_limit_max"`
	DashboardIntervalMS int `yaml:"dashboard_interval_ms"`
}

// NATSConfig holds the JetStream sink settings.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Stream  string `yaml:"stream"`
	Subject string `yaml:"subject"`
}

// ClickHouseConfig holds ClickHouse settings.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// PostgresConfig holds Postgres settings for the synced table.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// SinkConfig selects the ingestion target and the dashboard store.
type SinkConfig struct {
	// Kind is one of nats, clickhouse, sqlite.
	Kind       string           `yaml:"kind"`
	SQLitePath string           `yaml:"sqlite_path"`
	NATS       NATSConfig       `yaml:"nats"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Postgres   PostgresConfig   `yaml:"postgres"`
}

// LogConfig controls file logging rotation. An empty File logs to
// stderr only.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Config is the full service configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Stream    StreamConfig    `yaml:"stream"`
	Publisher PublisherConfig `yaml:"publisher"`
	Hub       HubConfig       `yaml:"hub"`
	Query     QueryConfig     `yaml:"query"`
	Sink      SinkConfig      `yaml:"sink"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns the built-in configuration: a local SQLite sink and
// a one second tick.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:          8000,
			DashboardPort: 8001,
		},
		Stream: StreamConfig{
			IntervalMS:      1000,
			ActiveWindowSec: 15,
			MaxSpeedKMH:     120,
		},
		Publisher: PublisherConfig{
			QueueCapacity:    1000,
			Workers:          4,
			MaxRetries:       5,
			BackoffBaseMS:    200,
			BackoffMaxMS:     5000,
			PublishTimeoutMS: 5000,
			DrainDeadlineMS:  5000,
		},
		Hub: HubConfig{
			SubscriberBuffer: 16,
		},
		Query: QueryConfig{
			TrackLimitDefault:   200,
			TrackLimitMax:       500,
			DashboardIntervalMS: 2000,
		},
		Sink: SinkConfig{
			Kind:       "sqlite",
			SQLitePath: "zerostream.db",
			NATS: NATSConfig{
				URL:     "nats://localhost:4222",
				Stream:  "SENSOR_STREAM",
				Subject: "sensor.stream",
			},
			ClickHouse: ClickHouseConfig{
				Host:     "localhost",
				Port:     9000,
				Database: "default",
				User:     "default",
			},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "zerostream",
				User:     "zerostream",
				SSLMode:  "prefer",
			},
		},
		Log: LogConfig{
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// Load reads path (if non-empty and present), applies environment
// overrides, and validates. A missing file with a non-empty path is an
// error; an empty path means defaults plus environment only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envInt("ZEROSTREAM_HTTP_PORT", &c.HTTP.Port)
	envInt("ZEROSTREAM_DASHBOARD_PORT", &c.HTTP.DashboardPort)
	envInt("ZEROSTREAM_STREAM_INTERVAL_MS", &c.Stream.IntervalMS)
	envInt64("ZEROSTREAM_SEED", &c.Stream.Seed)
	envStr("ZEROSTREAM_SINK_KIND", &c.Sink.Kind)
	envStr("ZEROSTREAM_SQLITE_PATH", &c.Sink.SQLitePath)
	envStr("ZEROSTREAM_NATS_URL", &c.Sink.NATS.URL)
	envStr("ZEROSTREAM_CLICKHOUSE_HOST", &c.Sink.ClickHouse.Host)
	envStr("ZEROSTREAM_CLICKHOUSE_PASSWORD", &c.Sink.ClickHouse.Password)
	envStr("ZEROSTREAM_POSTGRES_HOST", &c.Sink.Postgres.Host)
	envStr("ZEROSTREAM_POSTGRES_PASSWORD", &c.Sink.Postgres.Password)
	envStr("ZEROSTREAM_LOG_FILE", &c.Log.File)
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if c.HTTP.DashboardPort <= 0 || c.HTTP.DashboardPort > 65535 {
		return fmt.Errorf("http.dashboard_port %d out of range", c.HTTP.DashboardPort)
	}
	if c.Stream.IntervalMS <= 0 {
		return fmt.Errorf("stream.interval_ms must be positive, got %d", c.Stream.IntervalMS)
	}
	if c.Stream.ActiveWindowSec <= 0 {
		return fmt.Errorf("stream.active_window_sec must be positive, got %d", c.Stream.ActiveWindowSec)
	}
	if c.Stream.MaxSpeedKMH <= 0 {
		return fmt.Errorf("stream.max_speed_kmh must be positive, got %v", c.Stream.MaxSpeedKMH)
	}
	if c.Publisher.QueueCapacity <= 0 {
		return fmt.Errorf("publisher.queue_capacity must be positive, got %d", c.Publisher.QueueCapacity)
	}
	if c.Publisher.Workers <= 0 {
		return fmt.Errorf("publisher.workers must be positive, got %d", c.Publisher.Workers)
	}
	if c.Publisher.MaxRetries < 0 {
		return fmt.Errorf("publisher.max_retries must not be negative, got %d", c.Publisher.MaxRetries)
	}
	if c.Query.TrackLimitDefault <= 0 {
		return fmt.Errorf("query.track_limit_default must be positive, got %d", c.Query.TrackLimitDefault)
	}
	if c.Query.TrackLimitMax < c.Query.TrackLimitDefault {
		return fmt.Errorf("query.track_limit_max %d below track_limit_default %d",
			c.Query.TrackLimitMax, c.Query.TrackLimitDefault)
	}
	switch c.Sink.Kind {
	case "nats", "clickhouse", "sqlite":
	default:
		return fmt.Errorf("sink.kind %q not one of nats, clickhouse, sqlite", c.Sink.Kind)
	}
	if c.Sink.Kind == "sqlite" && c.Sink.SQLitePath == "" {
		return fmt.Errorf("sink.sqlite_path required for sqlite sink")
	}
	return nil
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
