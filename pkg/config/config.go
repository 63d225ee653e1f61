// Package config loads orchestrator configuration from an optional YAML
// file with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the orchestrator. Zero values are filled
// from Default before use.
type Config struct {
	// Sampling
	SampleInterval time.Duration `yaml:"sample_interval"`

	// Detection channel
	RemoteWSURL      string        `yaml:"remote_ws_url"`
	RemoteHTTPURL    string        `yaml:"remote_http_url"`
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`

	// Calibration
	CalibrationRetries int `yaml:"calibration_retries"`

	// Aggregation thresholds
	NoPersonSamples   int           `yaml:"no_person_samples"`
	HeadPoseThreshold float64       `yaml:"head_pose_threshold"`
	LookAwayWindow    time.Duration `yaml:"look_away_window"`
	AudioThreshold    float64       `yaml:"audio_threshold"`
	AudioRepeatCount  int           `yaml:"audio_repeat_count"`
	LightingMin       float64       `yaml:"lighting_min"`
	GapSamples        int           `yaml:"gap_samples"`
	RestrictedObjects []string      `yaml:"restricted_objects"`
	// EventRatePerMin caps total violation emission as a flood guard.
	EventRatePerMin int `yaml:"event_rate_per_min"`

	// Lifecycle
	FlushTimeout       time.Duration `yaml:"flush_timeout"`
	PersistenceRetries int           `yaml:"persistence_retries"`

	// Stores
	DatabaseDriver string `yaml:"database_driver"` // "postgres" or "sqlite"
	DatabaseDSN    string `yaml:"database_dsn"`
	RedisAddr      string `yaml:"redis_addr"` // empty disables live fan-out

	// Control surface
	ListenAddr string `yaml:"listen_addr"`

	// Telemetry
	TelemetryEnabled bool   `yaml:"telemetry_enabled"`
	OTLPEndpoint     string `yaml:"otlp_endpoint"`
}

// Default returns defaults matching the detection backend's tuning.
func Default() Config {
	return Config{
		SampleInterval:     2 * time.Second,
		ReconnectInitial:   500 * time.Millisecond,
		ReconnectMax:       30 * time.Second,
		CalibrationRetries: 3,
		NoPersonSamples:    3,
		HeadPoseThreshold:  20.0,
		LookAwayWindow:     6 * time.Second,
		AudioThreshold:     50.0,
		AudioRepeatCount:   3,
		LightingMin:        40.0,
		GapSamples:         5,
		RestrictedObjects:  []string{"cell phone", "book", "laptop", "tablet"},
		EventRatePerMin:    60,
		FlushTimeout:       10 * time.Second,
		PersistenceRetries: 3,
		DatabaseDriver:     "sqlite",
		DatabaseDSN:        "file:proctor.db?_pragma=journal_mode(WAL)",
		ListenAddr:         ":8090",
		OTLPEndpoint:       "localhost:4317",
	}
}

// Load reads path (if non-empty) over Default, then applies env overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.RemoteWSURL = getenvDefault("PROCTOR_REMOTE_WS_URL", c.RemoteWSURL)
	c.RemoteHTTPURL = getenvDefault("PROCTOR_REMOTE_HTTP_URL", c.RemoteHTTPURL)
	c.DatabaseDriver = getenvDefault("PROCTOR_DB_DRIVER", c.DatabaseDriver)
	c.DatabaseDSN = getenvDefault("PROCTOR_DB_DSN", c.DatabaseDSN)
	c.RedisAddr = getenvDefault("PROCTOR_REDIS_ADDR", c.RedisAddr)
	c.ListenAddr = getenvDefault("PROCTOR_LISTEN_ADDR", c.ListenAddr)
	c.OTLPEndpoint = getenvDefault("PROCTOR_OTLP_ENDPOINT", c.OTLPEndpoint)
	if os.Getenv("PROCTOR_TELEMETRY_ENABLED") == "true" {
		c.TelemetryEnabled = true
	}
	c.CalibrationRetries = getenvIntDefault("PROCTOR_CALIBRATION_RETRIES", c.CalibrationRetries)
	c.PersistenceRetries = getenvIntDefault("PROCTOR_PERSISTENCE_RETRIES", c.PersistenceRetries)
	if v := os.Getenv("PROCTOR_SAMPLE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SampleInterval = d
		}
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
