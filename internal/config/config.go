// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where pulse operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Duration supports human-readable YAML values like "5s" or "1m30s".
type Duration time.Duration

// UnmarshalYAML parses durations in time.ParseDuration notation.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil || strings.TrimSpace(node.Value) == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("invalid duration %q", node.Value)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig configures the HTTP surface serving SSE and control endpoints.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// BrokerConfig configures the Redis pub/sub bridge between processes.
type BrokerConfig struct {
	Addr                 string   `yaml:"addr"`
	Password             string   `yaml:"password"`
	DB                   int      `yaml:"db"`
	EventsChannel        string   `yaml:"eventsChannel"`
	SubscriptionsChannel string   `yaml:"subscriptionsChannel"`
	ConnectTimeout       Duration `yaml:"connectTimeout"`
}

// HeartbeatConfig controls the per-connection keepalive cadence.
type HeartbeatConfig struct {
	Interval Duration `yaml:"interval"`
}

// EmitConfig throttles locally-originated events before broker publish.
// A zero rate disables throttling.
type EmitConfig struct {
	RatePerSecond float64 `yaml:"ratePerSecond"`
	Burst         int     `yaml:"burst"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified pulse application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Server      ServerConfig    `yaml:"server"`
	Broker      BrokerConfig    `yaml:"broker"`
	Heartbeat   HeartbeatConfig `yaml:"heartbeat"`
	Emit        EmitConfig      `yaml:"emit"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Server:      ServerConfig{Addr: ":8085"},
		Broker: BrokerConfig{
			Addr:                 "localhost:6379",
			Password:             "",
			DB:                   0,
			EventsChannel:        "pulse.sse.events",
			SubscriptionsChannel: "pulse.sse.subscriptions",
			ConnectTimeout:       Duration(15 * time.Second),
		},
		Heartbeat: HeartbeatConfig{Interval: Duration(5 * time.Second)},
		Emit:      EmitConfig{RatePerSecond: 0, Burst: 0},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "localhost:4318",
			ServiceName:   "pulse",
			OTLPInsecure:  true,
			EnableMetrics: false,
		},
	}
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadOrDefault loads the file when it exists, otherwise returns the built-in
// defaults. The boolean reports whether a file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	trimmed := strings.TrimSpace(configPath)
	if trimmed != "" {
		if _, err := os.Stat(filepath.Clean(trimmed)); err == nil {
			cfg, err := Load(ctx, trimmed)
			if err != nil {
				return AppConfig{}, false, err
			}
			return cfg, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return AppConfig{}, false, fmt.Errorf("stat app config: %w", err)
		}
	}

	cfg := Default()
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, false, err
	}
	return cfg, false, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	c.Broker.Addr = strings.TrimSpace(c.Broker.Addr)
	c.Broker.EventsChannel = strings.TrimSpace(c.Broker.EventsChannel)
	c.Broker.SubscriptionsChannel = strings.TrimSpace(c.Broker.SubscriptionsChannel)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)

	if c.Broker.EventsChannel == "" {
		c.Broker.EventsChannel = "pulse.sse.events"
	}
	if c.Broker.SubscriptionsChannel == "" {
		c.Broker.SubscriptionsChannel = "pulse.sse.subscriptions"
	}
	if c.Broker.ConnectTimeout <= 0 {
		c.Broker.ConnectTimeout = Duration(15 * time.Second)
	}
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = Duration(5 * time.Second)
	}
	if c.Emit.RatePerSecond > 0 && c.Emit.Burst <= 0 {
		c.Emit.Burst = 1
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server addr required")
	}
	if strings.TrimSpace(c.Broker.Addr) == "" {
		return fmt.Errorf("broker addr required")
	}
	if c.Broker.DB < 0 {
		return fmt.Errorf("broker db must be >= 0")
	}
	if c.Broker.EventsChannel == c.Broker.SubscriptionsChannel {
		return fmt.Errorf("broker events and subscriptions channels must differ")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat interval must be > 0")
	}
	if c.Emit.RatePerSecond < 0 {
		return fmt.Errorf("emit ratePerSecond must be >= 0")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
