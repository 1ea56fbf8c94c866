/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config covers process level configuration. Values come from defaults,
// then the optional YAML file named by JUKEBOX_CONFIG_FILE, then
// environment variables.
type Config struct {
	Environment string `yaml:"environment"`
	MetricsBind string `yaml:"metrics_bind"`
	InstanceID  string `yaml:"instance_id"`

	// External processes
	PlayerBinary    string        `yaml:"player_binary"`
	ExtractorBinary string        `yaml:"extractor_binary"`
	ExtractorFormat string        `yaml:"extractor_format"`
	MaxExtractors   int           `yaml:"max_extractors"`
	ExtractTimeout  time.Duration `yaml:"extract_timeout"`
	HealthInterval  time.Duration `yaml:"health_interval"`

	// Player
	SocketPath          string        `yaml:"socket_path"`
	AudioDevice         string        `yaml:"audio_device"`
	InitialVolume       int           `yaml:"initial_volume"`
	PositionInterval    time.Duration `yaml:"position_interval"`
	PlayerProbeInterval time.Duration `yaml:"player_probe_interval"`
	IPCTimeout          time.Duration `yaml:"ipc_timeout"`
	IPCAutoReconnect    bool          `yaml:"ipc_auto_reconnect"`

	// Queue and orchestration
	AdmissionCapacity int           `yaml:"admission_capacity"`
	AdmissionWindow   time.Duration `yaml:"admission_window"`
	QueuePollInterval time.Duration `yaml:"queue_poll_interval"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`

	// Resolution
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	AcceptedHosts []string      `yaml:"accepted_hosts"`

	// Redis resolution cache tier
	RedisCacheEnabled bool   `yaml:"redis_cache_enabled"`
	RedisAddr         string `yaml:"redis_addr"`
	RedisPassword     string `yaml:"redis_password"`
	RedisDB           int    `yaml:"redis_db"`

	// Event bridges
	EventsRedisEnabled bool   `yaml:"events_redis_enabled"`
	EventsNATSURL      string `yaml:"events_nats_url"`

	// Tracing configuration
	TracingEnabled    bool    `yaml:"tracing_enabled"`
	OTLPEndpoint      string  `yaml:"otlp_endpoint"`
	TracingSampleRate float64 `yaml:"tracing_sample_rate"`

	// File is the YAML file that was applied, if any.
	File string `yaml:"-"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Environment: "development",
		MetricsBind: "127.0.0.1:9110",

		PlayerBinary:    "mpv",
		ExtractorBinary: "yt-dlp",
		ExtractorFormat: "bestaudio/best",
		MaxExtractors:   3,
		ExtractTimeout:  30 * time.Second,
		HealthInterval:  10 * time.Second,

		SocketPath:          filepath.Join(os.TempDir(), "grimnir-jukebox-mpv.sock"),
		InitialVolume:       70,
		PositionInterval:    time.Second,
		PlayerProbeInterval: 15 * time.Second,
		IPCTimeout:          5 * time.Second,
		IPCAutoReconnect:    true,

		AdmissionCapacity: 5,
		AdmissionWindow:   10 * time.Minute,
		QueuePollInterval: time.Second,
		CommandTimeout:    10 * time.Second,

		CacheTTL:     time.Hour,
		ProbeTimeout: 5 * time.Second,

		RedisAddr: "localhost:6379",

		OTLPEndpoint:      "localhost:4317",
		TracingSampleRate: 1.0,
	}
}

// Load reads configuration, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := getEnvAny([]string{"JUKEBOX_CONFIG_FILE", "GRIMNIR_JUKEBOX_CONFIG"}, ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	c.File = path
	return nil
}

func (c *Config) applyEnv() {
	c.Environment = getEnvAny([]string{"JUKEBOX_ENV", "GRIMNIR_ENV"}, c.Environment)
	c.MetricsBind = getEnvAny([]string{"JUKEBOX_METRICS_BIND", "GRIMNIR_METRICS_BIND"}, c.MetricsBind)
	c.InstanceID = getEnvAny([]string{"JUKEBOX_INSTANCE_ID", "GRIMNIR_INSTANCE_ID"}, c.InstanceID)

	c.PlayerBinary = getEnv("JUKEBOX_PLAYER_BIN", c.PlayerBinary)
	c.ExtractorBinary = getEnv("JUKEBOX_EXTRACTOR_BIN", c.ExtractorBinary)
	c.ExtractorFormat = getEnv("JUKEBOX_EXTRACTOR_FORMAT", c.ExtractorFormat)
	c.MaxExtractors = getEnvInt("JUKEBOX_MAX_EXTRACTORS", c.MaxExtractors)
	c.ExtractTimeout = getEnvDuration("JUKEBOX_EXTRACT_TIMEOUT", c.ExtractTimeout)
	c.HealthInterval = getEnvDuration("JUKEBOX_HEALTH_INTERVAL", c.HealthInterval)

	c.SocketPath = getEnv("JUKEBOX_SOCKET_PATH", c.SocketPath)
	c.AudioDevice = getEnv("JUKEBOX_AUDIO_DEVICE", c.AudioDevice)
	c.InitialVolume = getEnvInt("JUKEBOX_INITIAL_VOLUME", c.InitialVolume)
	c.PositionInterval = getEnvDuration("JUKEBOX_POSITION_INTERVAL", c.PositionInterval)
	c.PlayerProbeInterval = getEnvDuration("JUKEBOX_PLAYER_PROBE_INTERVAL", c.PlayerProbeInterval)
	c.IPCTimeout = getEnvDuration("JUKEBOX_IPC_TIMEOUT", c.IPCTimeout)
	c.IPCAutoReconnect = getEnvBoolAny([]string{"JUKEBOX_IPC_AUTO_RECONNECT"}, c.IPCAutoReconnect)

	c.AdmissionCapacity = getEnvInt("JUKEBOX_ADMISSION_CAPACITY", c.AdmissionCapacity)
	c.AdmissionWindow = getEnvDuration("JUKEBOX_ADMISSION_WINDOW", c.AdmissionWindow)
	c.QueuePollInterval = getEnvDuration("JUKEBOX_QUEUE_POLL_INTERVAL", c.QueuePollInterval)
	c.CommandTimeout = getEnvDuration("JUKEBOX_COMMAND_TIMEOUT", c.CommandTimeout)

	c.CacheTTL = getEnvDuration("JUKEBOX_CACHE_TTL", c.CacheTTL)
	c.ProbeTimeout = getEnvDuration("JUKEBOX_PROBE_TIMEOUT", c.ProbeTimeout)
	if v := os.Getenv("JUKEBOX_ACCEPTED_HOSTS"); v != "" {
		c.AcceptedHosts = splitList(v)
	}

	c.RedisCacheEnabled = getEnvBoolAny([]string{"JUKEBOX_REDIS_CACHE_ENABLED"}, c.RedisCacheEnabled)
	c.RedisAddr = getEnvAny([]string{"JUKEBOX_REDIS_ADDR", "GRIMNIR_REDIS_ADDR"}, c.RedisAddr)
	c.RedisPassword = getEnvAny([]string{"JUKEBOX_REDIS_PASSWORD", "GRIMNIR_REDIS_PASSWORD"}, c.RedisPassword)
	c.RedisDB = getEnvIntAny([]string{"JUKEBOX_REDIS_DB", "GRIMNIR_REDIS_DB"}, c.RedisDB)

	c.EventsRedisEnabled = getEnvBoolAny([]string{"JUKEBOX_EVENTS_REDIS_ENABLED"}, c.EventsRedisEnabled)
	c.EventsNATSURL = getEnvAny([]string{"JUKEBOX_EVENTS_NATS_URL", "GRIMNIR_NATS_URL"}, c.EventsNATSURL)

	c.TracingEnabled = getEnvBoolAny([]string{"JUKEBOX_TRACING_ENABLED", "GRIMNIR_TRACING_ENABLED"}, c.TracingEnabled)
	c.OTLPEndpoint = getEnvAny([]string{"JUKEBOX_OTLP_ENDPOINT", "GRIMNIR_OTLP_ENDPOINT"}, c.OTLPEndpoint)
	c.TracingSampleRate = getEnvFloatAny([]string{"JUKEBOX_TRACING_SAMPLE_RATE", "GRIMNIR_TRACING_SAMPLE_RATE"}, c.TracingSampleRate)
}

// Validate checks ranges and required values.
func (c *Config) Validate() error {
	if c.InitialVolume < 0 || c.InitialVolume > 100 {
		return fmt.Errorf("initial volume %d outside 0-100", c.InitialVolume)
	}
	if c.PlayerBinary == "" || c.ExtractorBinary == "" {
		return fmt.Errorf("player and extractor binaries must be set")
	}
	if !filepath.IsAbs(c.SocketPath) {
		return fmt.Errorf("socket path %q must be absolute", c.SocketPath)
	}
	if c.MaxExtractors <= 0 {
		return fmt.Errorf("max extractors must be positive, got %d", c.MaxExtractors)
	}
	if c.AdmissionCapacity <= 0 {
		return fmt.Errorf("admission capacity must be positive, got %d", c.AdmissionCapacity)
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("tracing sample rate %v outside 0-1", c.TracingSampleRate)
	}

	durations := map[string]time.Duration{
		"extract_timeout":       c.ExtractTimeout,
		"health_interval":       c.HealthInterval,
		"position_interval":     c.PositionInterval,
		"player_probe_interval": c.PlayerProbeInterval,
		"ipc_timeout":           c.IPCTimeout,
		"admission_window":      c.AdmissionWindow,
		"queue_poll_interval":   c.QueuePollInterval,
		"command_timeout":       c.CommandTimeout,
		"cache_ttl":             c.CacheTTL,
		"probe_timeout":         c.ProbeTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if c.RedisCacheEnabled || c.EventsRedisEnabled {
		if c.RedisAddr == "" {
			return fmt.Errorf("redis address is required when a redis feature is enabled")
		}
	}
	return nil
}

// IsProduction reports whether the environment is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

// getEnvDuration accepts Go duration syntax ("750ms", "10m") or whole seconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
