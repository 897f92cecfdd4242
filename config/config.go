// Package config loads agent configuration from defaults, an optional YAML
// file, and environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable override.
const EnvPrefix = "AGENTMESH"

// Config is the complete configuration for one agent process.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Client    ClientConfig    `yaml:"client"`
	Delegate  DelegateConfig  `yaml:"delegate"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Guard     GuardConfig     `yaml:"guard"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// AgentConfig identifies this agent to its peers.
type AgentConfig struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Version      string   `yaml:"version"`
	Capabilities []string `yaml:"capabilities"`
	AuthToken    string   `yaml:"auth_token"`
}

// ServerConfig controls the protocol server.
type ServerConfig struct {
	Host              string        `yaml:"host"`
	PortMin           int           `yaml:"port_min"`
	PortMax           int           `yaml:"port_max"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	CSRFTokenTTL      time.Duration `yaml:"csrf_token_ttl"`
}

// StoreConfig controls the persistent task store.
type StoreConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// ClientConfig controls outbound retry behavior.
type ClientConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Timeout      time.Duration `yaml:"timeout"`
}

// DelegateConfig controls the delegation and timeout subsystem.
type DelegateConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	CheckInterval time.Duration `yaml:"check_interval"`
	MaxPerAgent   int           `yaml:"max_per_agent"`
}

// Delegation timeout is clamped to this range; out-of-range or unparsable
// values fall back to the default rather than failing startup.
const (
	DelegateTimeoutMin     = 5 * time.Second
	DelegateTimeoutMax     = 30 * time.Minute
	DelegateTimeoutDefault = 5 * time.Minute
)

// RateLimitConfig controls per-(agent, endpoint) token buckets.
type RateLimitConfig struct {
	MaxTokens     int           `yaml:"max_tokens"`
	RefillPerSec  float64       `yaml:"refill_per_sec"`
	IdleEviction  time.Duration `yaml:"idle_eviction"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// GuardConfig controls resource protection.
type GuardConfig struct {
	MaxBodyBytes     int64  `yaml:"max_body_bytes"`
	MaxConnsPerIP    int    `yaml:"max_conns_per_ip"`
	MaxHeapBytes     uint64 `yaml:"max_heap_bytes"`
	MemoryCheckEvery int    `yaml:"memory_check_every"`
}

// TelemetryConfig controls the OTel SDK.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// LogConfig controls zap logger construction.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:    "agentmesh",
			Version: "1.0.0",
		},
		Server: ServerConfig{
			Host:              "127.0.0.1",
			PortMin:           41100,
			PortMax:           41199,
			RequestTimeout:    30 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			CSRFTokenTTL:      10 * time.Minute,
		},
		Store: StoreConfig{
			Path:        "agentmesh.db",
			BusyTimeout: 5 * time.Second,
		},
		Client: ClientConfig{
			MaxRetries:   3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Timeout:      30 * time.Second,
		},
		Delegate: DelegateConfig{
			Timeout:       DelegateTimeoutDefault,
			CheckInterval: 10 * time.Second,
			MaxPerAgent:   3,
		},
		RateLimit: RateLimitConfig{
			MaxTokens:     20,
			RefillPerSec:  10,
			IdleEviction:  10 * time.Minute,
			SweepInterval: time.Minute,
		},
		Guard: GuardConfig{
			MaxBodyBytes:     1 << 20, // 1 MB
			MaxConnsPerIP:    32,
			MaxHeapBytes:     1 << 30, // 1 GB
			MemoryCheckEvery: 64,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "agentmesh",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment overrides, then normalization.
func Load(path string) (*Config, error) {
	cfg := Default()

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
	cfg.normalize()
	return cfg, nil
}

// applyEnv overlays AGENTMESH_* environment variables. Unparsable values are
// ignored so a bad override cannot take the process down.
func (c *Config) applyEnv() {
	envString(&c.Agent.ID, "AGENT_ID")
	envString(&c.Agent.Name, "AGENT_NAME")
	envString(&c.Agent.AuthToken, "AUTH_TOKEN")
	envString(&c.Server.Host, "HOST")
	envInt(&c.Server.PortMin, "PORT_MIN")
	envInt(&c.Server.PortMax, "PORT_MAX")
	envDuration(&c.Server.RequestTimeout, "REQUEST_TIMEOUT")
	envDuration(&c.Server.ShutdownTimeout, "SHUTDOWN_TIMEOUT")
	envDuration(&c.Server.HeartbeatInterval, "HEARTBEAT_INTERVAL")
	envString(&c.Store.Path, "STORE_PATH")
	envDuration(&c.Store.BusyTimeout, "STORE_BUSY_TIMEOUT")
	envInt(&c.Client.MaxRetries, "CLIENT_MAX_RETRIES")
	envDuration(&c.Client.InitialDelay, "CLIENT_INITIAL_DELAY")
	envDuration(&c.Client.MaxDelay, "CLIENT_MAX_DELAY")
	envDuration(&c.Client.Timeout, "CLIENT_TIMEOUT")
	envDuration(&c.Delegate.Timeout, "DELEGATE_TIMEOUT")
	envDuration(&c.Delegate.CheckInterval, "DELEGATE_CHECK_INTERVAL")
	envInt(&c.Delegate.MaxPerAgent, "DELEGATE_MAX_PER_AGENT")
	envInt(&c.RateLimit.MaxTokens, "RATE_MAX_TOKENS")
	envFloat(&c.RateLimit.RefillPerSec, "RATE_REFILL_PER_SEC")
	envString(&c.Telemetry.OTLPEndpoint, "OTLP_ENDPOINT")
	envBool(&c.Telemetry.Enabled, "TELEMETRY_ENABLED")
	envString(&c.Log.Level, "LOG_LEVEL")
}

// normalize clamps values that must stay inside a sane range.
func (c *Config) normalize() {
	if c.Server.PortMin <= 0 || c.Server.PortMax < c.Server.PortMin {
		d := Default()
		c.Server.PortMin, c.Server.PortMax = d.Server.PortMin, d.Server.PortMax
	}
	if c.Delegate.Timeout < DelegateTimeoutMin || c.Delegate.Timeout > DelegateTimeoutMax {
		c.Delegate.Timeout = DelegateTimeoutDefault
	}
	if c.Delegate.MaxPerAgent <= 0 {
		c.Delegate.MaxPerAgent = Default().Delegate.MaxPerAgent
	}
	if c.Client.MaxRetries < 0 {
		c.Client.MaxRetries = 0
	}
	if c.RateLimit.MaxTokens <= 0 {
		c.RateLimit.MaxTokens = Default().RateLimit.MaxTokens
	}
	if c.RateLimit.RefillPerSec <= 0 {
		c.RateLimit.RefillPerSec = Default().RateLimit.RefillPerSec
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = Default().Server.RequestTimeout
	}
	if c.Server.HeartbeatInterval <= 0 {
		c.Server.HeartbeatInterval = Default().Server.HeartbeatInterval
	}
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + "_" + key); ok && v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + "_" + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + "_" + key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + "_" + key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + "_" + key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
