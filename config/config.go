// Package config loads the runtime configuration: defaults, then a YAML
// file, then environment variable overrides, in that precedence order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Agent     AgentConfig     `yaml:"agent"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig configures the durable store backend. An empty Addr selects
// the in-memory stores instead.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

// AgentConfig configures the orchestration runtime.
type AgentConfig struct {
	// DefaultWorkflow is the workflow used when neither the session memory
	// nor the request selects one.
	DefaultWorkflow string `yaml:"default_workflow"`

	// ResumeTTL bounds how long a paused run stays resumable.
	ResumeTTL time.Duration `yaml:"resume_ttl"`

	// StreamBuffer is the chunk stream buffer size.
	StreamBuffer int `yaml:"stream_buffer"`

	// Tracing enables status chunks and per-pass spans.
	Tracing bool `yaml:"tracing"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Development switches to the human-readable console encoder.
	Development bool `yaml:"development"`
}

// TelemetryConfig configures the OTel SDK. When disabled, global providers
// stay noop and no exporter is created.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// DefaultConfig returns the configuration used when nothing is provided.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming responses must not be cut off
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			PoolSize:  10,
			KeyPrefix: "agentrun:",
		},
		Agent: AgentConfig{
			ResumeTTL:    15 * time.Minute,
			StreamBuffer: 64,
		},
		Log: LogConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "agentrun",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path when
// non-empty, then environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from AGENTRUN_* environment variables.
func (c *Config) applyEnv() {
	setString(&c.Server.Addr, "AGENTRUN_SERVER_ADDR")
	setString(&c.Redis.Addr, "AGENTRUN_REDIS_ADDR")
	setString(&c.Redis.Password, "AGENTRUN_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "AGENTRUN_REDIS_DB")
	setString(&c.Redis.KeyPrefix, "AGENTRUN_REDIS_KEY_PREFIX")
	setString(&c.Agent.DefaultWorkflow, "AGENTRUN_DEFAULT_WORKFLOW")
	setDuration(&c.Agent.ResumeTTL, "AGENTRUN_RESUME_TTL")
	setBool(&c.Agent.Tracing, "AGENTRUN_TRACING")
	setString(&c.Log.Level, "AGENTRUN_LOG_LEVEL")
	setBool(&c.Telemetry.Enabled, "AGENTRUN_TELEMETRY_ENABLED")
	setString(&c.Telemetry.OTLPEndpoint, "AGENTRUN_OTLP_ENDPOINT")
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}
	if c.Agent.ResumeTTL <= 0 {
		return fmt.Errorf("config: agent.resume_ttl must be positive")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("config: telemetry.otlp_endpoint is required when telemetry is enabled")
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
