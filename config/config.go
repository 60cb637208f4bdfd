// Package config loads server settings from flags, environment, and an
// optional config file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the server needs at startup.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `mapstructure:"addr"`
	// DefaultDirectory is used when a session is created without one.
	DefaultDirectory string `mapstructure:"default_directory"`
	// EventBufferSize is the replay ring capacity.
	EventBufferSize int `mapstructure:"event_buffer_size"`
	// KeepaliveInterval is the heartbeat period on event streams.
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	// AgentCommand is the upstream agent binary to spawn.
	AgentCommand string `mapstructure:"agent_command"`
	// PermissionMode is the default permission mode passed to the agent.
	PermissionMode string `mapstructure:"permission_mode"`
}

// Load reads configuration with the precedence env > file > defaults.
// Environment variables use the AGENTBRIDGE_ prefix. path, when non-empty,
// names an explicit config file.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("addr", ":8080")
	v.SetDefault("event_buffer_size", 1000)
	v.SetDefault("keepalive_interval", 30*time.Second)
	v.SetDefault("agent_command", "claude")
	v.SetDefault("permission_mode", "")
	v.SetDefault("default_directory", "")

	v.SetEnvPrefix("AGENTBRIDGE")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.EventBufferSize <= 0 {
		return Config{}, fmt.Errorf("event_buffer_size must be positive, got %d", cfg.EventBufferSize)
	}
	if cfg.KeepaliveInterval <= 0 {
		return Config{}, fmt.Errorf("keepalive_interval must be positive, got %s", cfg.KeepaliveInterval)
	}
	return cfg, nil
}
