package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Port != 8000 || cfg.Sink.Kind != "sqlite" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load("/nonexistent/zerostream.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
http:
  port: 9100
stream:
  interval_ms: 250
  seed: 42
sink:
  kind: nats
  nats:
    url: nats://broker:4222
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Port != 9100 {
		t.Errorf("http.port = %d, want 9100", cfg.HTTP.Port)
	}
	if cfg.Stream.IntervalMS != 250 {
		t.Errorf("stream.interval_ms = %d, want 250", cfg.Stream.IntervalMS)
	}
	if cfg.Stream.Seed != 42 {
		t.Errorf("stream.seed = %d, want 42", cfg.Stream.Seed)
	}
	if cfg.Sink.Kind != "nats" || cfg.Sink.NATS.URL != "nats://broker:4222" {
		t.Errorf("sink not applied: %+v", cfg.Sink)
	}
	// Untouched sections keep their defaults.
	if cfg.Publisher.QueueCapacity != 1000 {
		t.Errorf("publisher.queue_capacity = %d, want 1000", cfg.Publisher.QueueCapacity)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("ZEROSTREAM_HTTP_PORT", "9999")
	t.Setenv("ZEROSTREAM_SINK_KIND", "clickhouse")
	t.Setenv("ZEROSTREAM_SEED", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Port != 9999 {
		t.Errorf("http.port = %d, want 9999", cfg.HTTP.Port)
	}
	if cfg.Sink.Kind != "clickhouse" {
		t.Errorf("sink.kind = %q, want clickhouse", cfg.Sink.Kind)
	}
	if cfg.Stream.Seed != 7 {
		t.Errorf("stream.seed = %d, want 7", cfg.Stream.Seed)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero http port", func(c *Config) { c.HTTP.Port = 0 }},
		{"huge dashboard port", func(c *Config) { c.HTTP.DashboardPort = 70000 }},
		{"zero interval", func(c *Config) { c.Stream.IntervalMS = 0 }},
		{"zero active window", func(c *Config) { c.Stream.ActiveWindowSec = 0 }},
		{"negative max speed", func(c *Config) { c.Stream.MaxSpeedKMH = -1 }},
		{"zero queue capacity", func(c *Config) { c.Publisher.QueueCapacity = 0 }},
		{"zero workers", func(c *Config) { c.Publisher.Workers = 0 }},
		{"negative retries", func(c *Config) { c.Publisher.MaxRetries = -1 }},
		{"zero track default", func(c *Config) { c.Query.TrackLimitDefault = 0 }},
		{"max below default", func(c *Config) { c.Query.TrackLimitMax = 10 }},
		{"unknown sink", func(c *Config) { c.Sink.Kind = "kafka" }},
		{"sqlite without path", func(c *Config) { c.Sink.SQLitePath = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
