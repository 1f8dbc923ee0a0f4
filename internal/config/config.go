// Copyright The Edgewatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the agent configuration. The file is
// read once at startup; runtime updates from the remote configuration
// channel build a new immutable snapshot that is swapped in atomically by
// the monitor, never mutated in place.
package config // import "github.com/edgewatch/edgewatch/internal/config"

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	env "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/edgewatch/edgewatch/internal/telemetry"
)

const envPrefix = "EDGEWATCH_"

// SensorFlags enables or disables individual metric sub-groups.
type SensorFlags struct {
	CPU     bool `koanf:"cpu"`
	Memory  bool `koanf:"memory"`
	Disk    bool `koanf:"disk"`
	Network bool `koanf:"network"`
}

// MLConfig configures the local learned-model detector.
type MLConfig struct {
	Enabled         bool    `koanf:"enabled"`
	ModelDir        string  `koanf:"model_dir"`
	Trees           int     `koanf:"trees"`
	SubsampleSize   int     `koanf:"subsample_size"`
	Contamination   float64 `koanf:"contamination"`
	Seed            int64   `koanf:"seed"`
	TrainWindowHrs  int     `koanf:"train_window_hours"`
	RetrainWindowHr int     `koanf:"retrain_window_hours"`
}

// StorageConfig configures the local time-series sink.
type StorageConfig struct {
	Path     string `koanf:"path"`
	DiskPath string `koanf:"disk_path"`
}

// RedisConfig configures the optional secondary durable sink.
type RedisConfig struct {
	Enabled      bool   `koanf:"enabled"`
	Addr         string `koanf:"addr"`
	Password     string `koanf:"password"`
	DB           int    `koanf:"db"`
	TTLHours     int    `koanf:"ttl_hours"`
	WriteTimeout int    `koanf:"write_timeout_seconds"`
}

// AnalysisConfig configures the optional remote analysis endpoint.
type AnalysisConfig struct {
	Enabled        bool   `koanf:"enabled"`
	Endpoint       string `koanf:"endpoint"`
	APIKey         string `koanf:"api_key"`
	TimeoutSeconds int    `koanf:"timeout_seconds"`
}

// TwinConfig configures the remote configuration channel.
type TwinConfig struct {
	Enabled               bool   `koanf:"enabled"`
	URL                   string `koanf:"url"`
	ReportIntervalSeconds int    `koanf:"report_interval_seconds"`
}

// CloudConfig groups the outbound integrations.
type CloudConfig struct {
	IngestURL           string         `koanf:"ingest_url"`
	APIKey              string         `koanf:"api_key"`
	SendTimeoutSeconds  int            `koanf:"send_timeout_seconds"`
	ProbeIntervalSecond int            `koanf:"probe_interval_seconds"`
	Analysis            AnalysisConfig `koanf:"analysis"`
	Twin                TwinConfig     `koanf:"twin"`
}

// DispatchConfig bounds the offline upload queue.
type DispatchConfig struct {
	QueueCapacity int `koanf:"queue_capacity"`
	FlushPacingMS int `koanf:"flush_pacing_ms"`
}

// Config is the full agent configuration.
type Config struct {
	DeviceID        string                 `koanf:"device_id"`
	IntervalSeconds int                    `koanf:"interval_seconds"`
	ListenAddr      string                 `koanf:"listen_addr"`
	Sensors         SensorFlags            `koanf:"sensors"`
	Thresholds      telemetry.ThresholdSet `koanf:"thresholds"`
	ML              MLConfig               `koanf:"ml"`
	Storage         StorageConfig          `koanf:"storage"`
	Redis           RedisConfig            `koanf:"redis"`
	Cloud           CloudConfig            `koanf:"cloud"`
	Dispatch        DispatchConfig         `koanf:"dispatch"`
}

// Default returns the built-in configuration. The threshold defaults match
// the documented detection scenarios.
func Default() *Config {
	return &Config{
		DeviceID:        "edgewatch-device",
		IntervalSeconds: 30,
		ListenAddr:      ":9464",
		Sensors: SensorFlags{
			CPU:     true,
			Memory:  true,
			Disk:    true,
			Network: true,
		},
		Thresholds: DefaultThresholds(),
		ML: MLConfig{
			Enabled:         true,
			ModelDir:        "/var/lib/edgewatch/models",
			Trees:           100,
			SubsampleSize:   256,
			Contamination:   0.1,
			Seed:            42,
			TrainWindowHrs:  24,
			RetrainWindowHr: 168,
		},
		Storage: StorageConfig{
			Path:     "/var/lib/edgewatch/edgewatch.db",
			DiskPath: "/",
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			TTLHours:     72,
			WriteTimeout: 5,
		},
		Cloud: CloudConfig{
			SendTimeoutSeconds:  10,
			ProbeIntervalSecond: 30,
			Analysis: AnalysisConfig{
				TimeoutSeconds: 20,
			},
			Twin: TwinConfig{
				ReportIntervalSeconds: 300,
			},
		},
		Dispatch: DispatchConfig{
			QueueCapacity: 100,
			FlushPacingMS: 100,
		},
	}
}

// DefaultThresholds returns the built-in threshold set.
func DefaultThresholds() telemetry.ThresholdSet {
	maxOf := func(v float64) *float64 { return &v }
	return telemetry.ThresholdSet{
		telemetry.MetricCPUTemperature: {Max: maxOf(80)},
		telemetry.MetricCPUUsage:       {Max: maxOf(90)},
		telemetry.MetricMemory:         {Max: maxOf(85)},
		telemetry.MetricDisk:           {Max: maxOf(90)},
	}
}

// Load reads the configuration file at path, layers EDGEWATCH_* environment
// overrides on top and validates the result. A missing or malformed file is
// a startup failure.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Double underscore separates nesting levels so single underscores
	// survive in key names: EDGEWATCH_CLOUD__INGEST_URL -> cloud.ingest_url.
	envProvider := env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, envPrefix)
			return strings.ReplaceAll(strings.ToLower(key), "__", "."), value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("read env overrides: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for startup-fatal errors.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return errors.New("device_id must not be empty")
	}
	if c.IntervalSeconds <= 0 {
		return fmt.Errorf("interval_seconds must be positive, got %d", c.IntervalSeconds)
	}
	if c.Dispatch.QueueCapacity <= 0 {
		return fmt.Errorf("dispatch.queue_capacity must be positive, got %d", c.Dispatch.QueueCapacity)
	}
	if c.ML.Enabled {
		if c.ML.ModelDir == "" {
			return errors.New("ml.model_dir must be set when ml is enabled")
		}
		if c.ML.Trees <= 0 {
			return fmt.Errorf("ml.trees must be positive, got %d", c.ML.Trees)
		}
		if c.ML.Contamination <= 0 || c.ML.Contamination >= 0.5 {
			return fmt.Errorf("ml.contamination must be in (0, 0.5), got %g", c.ML.Contamination)
		}
	}
	if c.Storage.Path == "" {
		return errors.New("storage.path must not be empty")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr must be set when redis is enabled")
	}
	if c.Cloud.Analysis.Enabled && c.Cloud.Analysis.Endpoint == "" {
		return errors.New("cloud.analysis.endpoint must be set when analysis is enabled")
	}
	if c.Cloud.Twin.Enabled && c.Cloud.Twin.URL == "" {
		return errors.New("cloud.twin.url must be set when the twin channel is enabled")
	}
	for name, bound := range c.Thresholds {
		if bound.Min != nil && bound.Max != nil && *bound.Min > *bound.Max {
			return fmt.Errorf("threshold %s: min %g exceeds max %g", name, *bound.Min, *bound.Max)
		}
	}
	return nil
}

// Interval is the sleep between cycle completions.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// SendTimeout bounds one transport send.
func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.Cloud.SendTimeoutSeconds) * time.Second
}

// ProbeInterval is the connectivity probe period.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Cloud.ProbeIntervalSecond) * time.Second
}

// AnalysisTimeout bounds one remote analysis call.
func (c *Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.Cloud.Analysis.TimeoutSeconds) * time.Second
}

// FlushPacing is the delay between queued sends during a drain.
func (c *Config) FlushPacing() time.Duration {
	return time.Duration(c.Dispatch.FlushPacingMS) * time.Millisecond
}

// TrainWindow is how far back lazy training looks for samples.
func (c *Config) TrainWindow() time.Duration {
	return time.Duration(c.ML.TrainWindowHrs) * time.Hour
}

// RetrainWindow is the lookback for an explicit retrain command.
func (c *Config) RetrainWindow() time.Duration {
	return time.Duration(c.ML.RetrainWindowHr) * time.Hour
}

// RedisWriteTimeout bounds one durable-store write.
func (c *Config) RedisWriteTimeout() time.Duration {
	return time.Duration(c.Redis.WriteTimeout) * time.Second
}

// RedisTTL is the expiry of mirrored payloads.
func (c *Config) RedisTTL() time.Duration {
	return time.Duration(c.Redis.TTLHours) * time.Hour
}

// ReportInterval is the cadence of reported-state updates on the twin
// channel.
func (c *Config) ReportInterval() time.Duration {
	return time.Duration(c.Cloud.Twin.ReportIntervalSeconds) * time.Second
}

// Clone returns a deep copy suitable for building an updated snapshot.
func (c *Config) Clone() *Config {
	out := *c
	out.Thresholds = c.Thresholds.Clone()
	return &out
}
