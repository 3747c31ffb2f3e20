package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the effective configuration for the gateway. It is built
// once in main (defaults, then optional YAML file, then environment)
// and passed explicitly to every component constructor; no component
// reads configuration through package-level state.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Bridge   BridgeConfig   `koanf:"bridge"`
	Accounts AccountsConfig `koanf:"accounts"`
	Storage  StorageConfig  `koanf:"storage"`
	Relay    RelayConfig    `koanf:"relay"`
	Rotation RotationConfig `koanf:"rotation"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

// BridgeConfig controls the websocket endpoint the execution peer
// connects to.
type BridgeConfig struct {
	// Token, when non-empty, must be presented by the peer as a
	// bearer token on the upgrade request.
	Token string `koanf:"token"`
}

type AccountsConfig struct {
	// Dir holds one <index>.json auth blob per account.
	Dir string `koanf:"dir"`
}

type StorageConfig struct {
	// Path is the SQLite database file for the exchange log.
	// Empty disables recording.
	Path string `koanf:"path"`
}

// RelayConfig tunes the request relay loop.
type RelayConfig struct {
	MaxRetries        int           `koanf:"max_retries"`
	RetryDelay        time.Duration `koanf:"retry_delay"`
	RequestTimeout    time.Duration `koanf:"request_timeout"`
	ChunkTimeout      time.Duration `koanf:"chunk_timeout"`
	KeepaliveInterval time.Duration `koanf:"keepalive_interval"`
	FakeStreaming     bool          `koanf:"fake_streaming"`
	// StrictStreamEnd logs a chunk-read timeout during real streaming
	// as a truncated response instead of a clean end of stream.
	StrictStreamEnd bool `koanf:"strict_stream_end"`
}

// RotationConfig tunes credential rotation.
type RotationConfig struct {
	// Threshold is the consecutive-failure count that triggers
	// rotation. 0 disables counter-based rotation entirely.
	Threshold int `koanf:"threshold"`
	// ImmediateCodes rotate on first occurrence regardless of the
	// failure counter.
	ImmediateCodes []int `koanf:"immediate_codes"`
}

// Load builds the configuration from defaults, the YAML file at path
// (skipped when path is empty or the file does not exist), and RELAY_
// environment variables. Double underscores in env names map to key
// separators: RELAY_RELAY__MAX_RETRIES sets relay.max_retries.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":              8317,
		"accounts.dir":             "./accounts",
		"relay.max_retries":        3,
		"relay.retry_delay":        2 * time.Second,
		"relay.request_timeout":    30 * time.Minute,
		"relay.chunk_timeout":      30 * time.Second,
		"relay.keepalive_interval": time.Second,
		"rotation.threshold":       3,
		"rotation.immediate_codes": []int{401, 403},
	}
	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("RELAY_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "RELAY_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Relay.MaxRetries < 1 {
		return fmt.Errorf("relay.max_retries must be at least 1, got %d", c.Relay.MaxRetries)
	}
	if c.Relay.ChunkTimeout <= 0 {
		return fmt.Errorf("relay.chunk_timeout must be positive")
	}
	if c.Relay.RequestTimeout <= 0 {
		return fmt.Errorf("relay.request_timeout must be positive")
	}
	if c.Relay.KeepaliveInterval <= 0 {
		return fmt.Errorf("relay.keepalive_interval must be positive")
	}
	if c.Rotation.Threshold < 0 {
		return fmt.Errorf("rotation.threshold must not be negative")
	}
	for _, code := range c.Rotation.ImmediateCodes {
		if code < 400 || code > 599 {
			return fmt.Errorf("rotation.immediate_codes entry %d outside 400-599", code)
		}
	}
	return nil
}
