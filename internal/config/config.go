// Package config loads tripstream configuration with the precedence
// file > environment > defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries settings for both the client core and the development
// broker. Durations are parsed from strings in the YAML file.
type Config struct {
	Log       *LogConfig       `yaml:"log"`
	Broker    *BrokerConfig    `yaml:"broker"`
	Transport *TransportConfig `yaml:"transport"`
	Directory *DirectoryConfig `yaml:"directory"`
	Auth      *AuthConfig      `yaml:"auth"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// BrokerConfig configures the development broker process.
type BrokerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	DatabasePath string        `yaml:"database_path"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// SendRate limits chat publishes per user, in messages per second.
	SendRate  float64 `yaml:"send_rate"`
	SendBurst int     `yaml:"send_burst"`
	// RedisURL enables the pub/sub backplane when non-empty.
	RedisURL string `yaml:"redis_url"`
}

// TransportConfig configures the client-side broker connection.
type TransportConfig struct {
	BrokerURL string `yaml:"broker_url"`
	// Heartbeat is the interval for both incoming and outgoing heartbeats.
	Heartbeat      time.Duration `yaml:"heartbeat"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// DirectoryConfig points at the request/response collaborator API.
type DirectoryConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// AuthConfig configures handshake token signing.
type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// Default returns production-ready defaults. The 4s heartbeat and 5s
// reconnect delay match the broker contract.
func Default() *Config {
	return &Config{
		Log: &LogConfig{Level: "info"},
		Broker: &BrokerConfig{
			Host:         "0.0.0.0",
			Port:         8090,
			DatabasePath: "./tripstream.db",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			SendRate:     5,
			SendBurst:    10,
		},
		Transport: &TransportConfig{
			BrokerURL:      "ws://localhost:8090/ws",
			Heartbeat:      4 * time.Second,
			ReconnectDelay: 5 * time.Second,
			WriteTimeout:   5 * time.Second,
		},
		Directory: &DirectoryConfig{
			BaseURL: "http://localhost:8090/api",
			Timeout: 10 * time.Second,
		},
		Auth: &AuthConfig{
			Secret:   "dev-only-secret",
			TokenTTL: 12 * time.Hour,
		},
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Broker == nil || c.Transport == nil || c.Directory == nil || c.Auth == nil {
		return fmt.Errorf("incomplete configuration")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker port must be between 1 and 65535")
	}
	if c.Broker.Host == "" {
		return fmt.Errorf("broker host cannot be empty")
	}
	if c.Broker.DatabasePath == "" {
		return fmt.Errorf("broker database path cannot be empty")
	}
	if c.Broker.SendRate <= 0 || c.Broker.SendBurst <= 0 {
		return fmt.Errorf("broker send rate and burst must be positive")
	}
	if c.Transport.BrokerURL == "" {
		return fmt.Errorf("transport broker URL cannot be empty")
	}
	if c.Transport.Heartbeat <= 0 {
		return fmt.Errorf("transport heartbeat must be positive")
	}
	if c.Transport.ReconnectDelay <= 0 {
		return fmt.Errorf("transport reconnect delay must be positive")
	}
	if c.Directory.BaseURL == "" {
		return fmt.Errorf("directory base URL cannot be empty")
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth secret cannot be empty")
	}
	return nil
}

// FromEnv overlays environment variables onto defaults.
func FromEnv() *Config {
	cfg := Default()

	if v := os.Getenv("TRIPSTREAM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TRIPSTREAM_BROKER_HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v := os.Getenv("TRIPSTREAM_BROKER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Broker.Port = p
		}
	}
	if v := os.Getenv("TRIPSTREAM_DATABASE_PATH"); v != "" {
		cfg.Broker.DatabasePath = v
	}
	if v := os.Getenv("TRIPSTREAM_REDIS_URL"); v != "" {
		cfg.Broker.RedisURL = v
	}
	if v := os.Getenv("TRIPSTREAM_BROKER_URL"); v != "" {
		cfg.Transport.BrokerURL = v
	}
	if v := os.Getenv("TRIPSTREAM_HEARTBEAT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Transport.Heartbeat = d
		}
	}
	if v := os.Getenv("TRIPSTREAM_RECONNECT_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Transport.ReconnectDelay = d
		}
	}
	if v := os.Getenv("TRIPSTREAM_DIRECTORY_URL"); v != "" {
		cfg.Directory.BaseURL = v
	}
	if v := os.Getenv("TRIPSTREAM_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	return cfg
}

// fileConfig mirrors Config with string durations, since YAML carries
// durations as "4s"-style strings.
type fileConfig struct {
	Log    *LogConfig `yaml:"log"`
	Broker *struct {
		Host         string  `yaml:"host"`
		Port         int     `yaml:"port"`
		DatabasePath string  `yaml:"database_path"`
		ReadTimeout  string  `yaml:"read_timeout"`
		WriteTimeout string  `yaml:"write_timeout"`
		SendRate     float64 `yaml:"send_rate"`
		SendBurst    int     `yaml:"send_burst"`
		RedisURL     string  `yaml:"redis_url"`
	} `yaml:"broker"`
	Transport *struct {
		BrokerURL      string `yaml:"broker_url"`
		Heartbeat      string `yaml:"heartbeat"`
		ReconnectDelay string `yaml:"reconnect_delay"`
		WriteTimeout   string `yaml:"write_timeout"`
	} `yaml:"transport"`
	Directory *struct {
		BaseURL string `yaml:"base_url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"directory"`
	Auth *struct {
		Secret   string `yaml:"secret"`
		TokenTTL string `yaml:"token_ttl"`
	} `yaml:"auth"`
}

func setDuration(dst *time.Duration, raw string) {
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
	}
}

// FromFile parses a YAML file over defaults and validates the result.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg := Default()
	if fc.Log != nil && fc.Log.Level != "" {
		cfg.Log.Level = fc.Log.Level
	}
	if fc.Broker != nil {
		if fc.Broker.Host != "" {
			cfg.Broker.Host = fc.Broker.Host
		}
		if fc.Broker.Port != 0 {
			cfg.Broker.Port = fc.Broker.Port
		}
		if fc.Broker.DatabasePath != "" {
			cfg.Broker.DatabasePath = fc.Broker.DatabasePath
		}
		setDuration(&cfg.Broker.ReadTimeout, fc.Broker.ReadTimeout)
		setDuration(&cfg.Broker.WriteTimeout, fc.Broker.WriteTimeout)
		if fc.Broker.SendRate != 0 {
			cfg.Broker.SendRate = fc.Broker.SendRate
		}
		if fc.Broker.SendBurst != 0 {
			cfg.Broker.SendBurst = fc.Broker.SendBurst
		}
		if fc.Broker.RedisURL != "" {
			cfg.Broker.RedisURL = fc.Broker.RedisURL
		}
	}
	if fc.Transport != nil {
		if fc.Transport.BrokerURL != "" {
			cfg.Transport.BrokerURL = fc.Transport.BrokerURL
		}
		setDuration(&cfg.Transport.Heartbeat, fc.Transport.Heartbeat)
		setDuration(&cfg.Transport.ReconnectDelay, fc.Transport.ReconnectDelay)
		setDuration(&cfg.Transport.WriteTimeout, fc.Transport.WriteTimeout)
	}
	if fc.Directory != nil {
		if fc.Directory.BaseURL != "" {
			cfg.Directory.BaseURL = fc.Directory.BaseURL
		}
		setDuration(&cfg.Directory.Timeout, fc.Directory.Timeout)
	}
	if fc.Auth != nil {
		if fc.Auth.Secret != "" {
			cfg.Auth.Secret = fc.Auth.Secret
		}
		setDuration(&cfg.Auth.TokenTTL, fc.Auth.TokenTTL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// Load resolves configuration with the precedence file > environment >
// defaults. A missing or unreadable file falls back silently to the
// environment so containerized deployments keep working.
func Load(path string) *Config {
	cfg := FromEnv()
	if path != "" {
		if fileCfg, err := FromFile(path); err == nil {
			cfg = fileCfg
		}
	}
	return cfg
}
