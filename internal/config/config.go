package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Metrics MetricsConfig `toml:"metrics"`
}

type ServerConfig struct {
	PongTimeoutSeconds       int     `toml:"pong_timeout_seconds"`
	PongWaitIntervalSeconds  int     `toml:"pong_wait_interval_seconds"`
	ReconnectTimeoutSeconds  int     `toml:"reconnect_timeout_seconds"`
	InactivityTimeoutSeconds int     `toml:"inactivity_timeout_seconds"`
	MaxErrorCount            int     `toml:"max_error_count"`
	CommandRate              float64 `toml:"command_rate"`
	CommandBurst             int     `toml:"command_burst"`
}

type MetricsConfig struct {
	Addr string `toml:"addr"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			PongTimeoutSeconds:       5,
			PongWaitIntervalSeconds:  5,
			ReconnectTimeoutSeconds:  90,
			InactivityTimeoutSeconds: 120,
			MaxErrorCount:            3,
			CommandRate:              32,
			CommandBurst:             64,
		},
	}
}

// LoadFrom reads a TOML override file on top of the defaults. A missing
// file is not an error; the defaults are returned unchanged.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	s := c.Server
	if s.PongTimeoutSeconds <= 0 || s.PongWaitIntervalSeconds <= 0 ||
		s.ReconnectTimeoutSeconds <= 0 || s.InactivityTimeoutSeconds <= 0 {
		return errors.New("timeouts must be positive")
	}
	if s.MaxErrorCount <= 0 {
		return errors.New("max_error_count must be positive")
	}
	if s.CommandRate <= 0 || s.CommandBurst <= 0 {
		return errors.New("command_rate and command_burst must be positive")
	}
	return nil
}

func (c *ServerConfig) PongTimeout() time.Duration {
	return time.Duration(c.PongTimeoutSeconds) * time.Second
}

func (c *ServerConfig) PongWaitInterval() time.Duration {
	return time.Duration(c.PongWaitIntervalSeconds) * time.Second
}

func (c *ServerConfig) ReconnectTimeout() time.Duration {
	return time.Duration(c.ReconnectTimeoutSeconds) * time.Second
}

func (c *ServerConfig) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutSeconds) * time.Second
}
