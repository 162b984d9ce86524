// Package config loads the YAML configuration shared by the CLI and the server.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration
type Config struct {
	Name      string          `yaml:"name"` // client name, determines the packet source id
	LogLevel  string          `yaml:"log_level"`
	Network   NetworkConfig   `yaml:"network"`
	Retry     RetryConfig     `yaml:"retry"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	HTTP      HTTPConfig      `yaml:"http"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Store     StoreConfig     `yaml:"store"`
	Pool      PoolConfig      `yaml:"pool"`
}

type NetworkConfig struct {
	ListenAddr string   `yaml:"listen_addr"`
	Broadcast  []string `yaml:"broadcast"` // host:port
}

type RetryConfig struct {
	Gaps    []time.Duration `yaml:"gaps"`
	Timeout time.Duration   `yaml:"timeout"`
}

type DiscoveryConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Window      time.Duration `yaml:"window"`
	ForgetAfter time.Duration `yaml:"forget_after"`
}

type HTTPConfig struct {
	Listen          string        `yaml:"listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MQTTConfig is optional: results are only published if Broker is set
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

// StoreConfig is optional: devices are only persisted if Path is set
type StoreConfig struct {
	Path string `yaml:"path"`
}

type PoolConfig struct {
	Workers int `yaml:"workers"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Network: NetworkConfig{
			ListenAddr: "0.0.0.0:0",
			Broadcast:  []string{"255.255.255.255:56700"},
		},
		Retry: RetryConfig{
			Gaps:    []time.Duration{200 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond, time.Second},
			Timeout: 10 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Interval:    30 * time.Second,
			Window:      time.Second,
			ForgetAfter: 5 * time.Minute,
		},
		HTTP: HTTPConfig{
			Listen:          "127.0.0.1:6100",
			ShutdownTimeout: 5 * time.Second,
		},
		MQTT: MQTTConfig{
			Topic: "strobe/results",
		},
		Pool: PoolConfig{Workers: 4},
	}
}

// Load reads a YAML configuration file on top of the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration, filling in derived defaults
func Validate(cfg *Config) error {
	if len(cfg.Network.Broadcast) == 0 {
		return fmt.Errorf("network.broadcast must list at least one address")
	}

	if len(cfg.Retry.Gaps) == 0 {
		return fmt.Errorf("retry.gaps must not be empty")
	}
	for i, gap := range cfg.Retry.Gaps {
		if gap <= 0 {
			return fmt.Errorf("retry.gaps[%d] must be > 0, got %s", i, gap)
		}
	}
	if cfg.Retry.Timeout <= 0 {
		return fmt.Errorf("retry.timeout must be > 0")
	}

	if cfg.Discovery.Interval <= 0 {
		return fmt.Errorf("discovery.interval must be > 0")
	}
	if cfg.Discovery.Window <= 0 {
		return fmt.Errorf("discovery.window must be > 0")
	}
	if cfg.Discovery.ForgetAfter < cfg.Discovery.Interval {
		return fmt.Errorf("discovery.forget_after (%s) must be at least discovery.interval (%s)",
			cfg.Discovery.ForgetAfter, cfg.Discovery.Interval)
	}

	if cfg.Pool.Workers <= 0 {
		return fmt.Errorf("pool.workers must be > 0")
	}

	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1, or 2, got %d", cfg.MQTT.QoS)
	}
	if cfg.MQTT.Broker != "" && cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "strobe"
		if cfg.Name != "" {
			cfg.MQTT.ClientID = cfg.Name
		}
	}

	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel parses a log level name
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", s, err)
	}
	return level, nil
}
