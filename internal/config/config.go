// Package config loads server configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devdash/backend/internal/ratelimit"
	"github.com/devdash/backend/pkg/protocol"
)

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Hub       HubConfig        `yaml:"hub"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
	Database  DatabaseConfig   `yaml:"database"`
	Log       LogConfig        `yaml:"log"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	WSPath          string        `yaml:"ws_path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AllowedOrigins restricts WebSocket upgrades; empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// HubConfig holds connection hub settings. The first four fields are
// advertised to clients in the welcome envelope.
type HubConfig struct {
	PingInterval      time.Duration `yaml:"ping_interval"`
	MaxConnections    int           `yaml:"max_connections"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`

	SendBuffer     int           `yaml:"send_buffer"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`

	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxInactive   time.Duration `yaml:"max_inactive"`
}

// Welcome returns the subset of the hub settings sent to clients.
func (h HubConfig) Welcome() protocol.HubConfig {
	return protocol.HubConfig{
		PingIntervalMs:    h.PingInterval.Milliseconds(),
		MaxConnections:    h.MaxConnections,
		ReconnectAttempts: h.ReconnectAttempts,
		ReconnectDelayMs:  h.ReconnectDelay.Milliseconds(),
	}
}

// DatabaseConfig holds the connection audit store settings.
type DatabaseConfig struct {
	// Path of the SQLite file. Empty disables the audit store.
	Path string `yaml:"path"`
	// Retention for closed connection records; zero keeps them forever.
	Retention time.Duration `yaml:"retention"`
	// Consecutive write failures that open the audit circuit breaker, and
	// how long it stays open.
	FailureThreshold int           `yaml:"failure_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			WSPath:          "/ws",
			ShutdownTimeout: 10 * time.Second,
		},
		Hub: HubConfig{
			PingInterval:      30 * time.Second,
			MaxConnections:    1000,
			ReconnectAttempts: 10,
			ReconnectDelay:    time.Second,
			SendBuffer:        256,
			MaxMessageSize:    64 * 1024,
			WriteTimeout:      10 * time.Second,
			SweepInterval:     time.Minute,
			MaxInactive:       5 * time.Minute,
		},
		RateLimit: ratelimit.DefaultConfig(),
		Database: DatabaseConfig{
			Path:             "data/devdash.db",
			Retention:        7 * 24 * time.Hour,
			FailureThreshold: 5,
			BreakerTimeout:   30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads filename on top of the defaults, applies DEVDASH_* environment
// overrides and validates the result. A missing or empty filename yields the
// defaults.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides fields from environment variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
		return nil
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("DEVDASH_ADDR", &c.Server.Addr)
	str("DEVDASH_WS_PATH", &c.Server.WSPath)
	str("DEVDASH_DB_PATH", &c.Database.Path)
	str("DEVDASH_LOG_LEVEL", &c.Log.Level)
	str("DEVDASH_LOG_FORMAT", &c.Log.Format)
	if v, ok := lookup("DEVDASH_ALLOWED_ORIGINS"); ok && v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("DEVDASH_RATELIMIT_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DEVDASH_RATELIMIT_ENABLED: %w", err)
		}
		c.RateLimit.Enabled = b
	}

	for _, f := range []func() error{
		func() error { return num("DEVDASH_MAX_CONNECTIONS", &c.Hub.MaxConnections) },
		func() error { return dur("DEVDASH_PING_INTERVAL", &c.Hub.PingInterval) },
		func() error { return dur("DEVDASH_MAX_INACTIVE", &c.Hub.MaxInactive) },
		func() error { return dur("DEVDASH_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout) },
	} {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with /")
	}
	if c.Hub.PingInterval < 100*time.Millisecond {
		return fmt.Errorf("hub.ping_interval must be at least 100ms")
	}
	if c.Hub.MaxConnections < 1 {
		return fmt.Errorf("hub.max_connections must be at least 1")
	}
	if c.Hub.ReconnectAttempts < 0 {
		return fmt.Errorf("hub.reconnect_attempts cannot be negative")
	}
	if c.Hub.SendBuffer < 1 {
		return fmt.Errorf("hub.send_buffer must be at least 1")
	}
	if c.Hub.MaxMessageSize < 512 {
		return fmt.Errorf("hub.max_message_size must be at least 512 bytes")
	}
	if c.Hub.WriteTimeout <= 0 {
		return fmt.Errorf("hub.write_timeout must be positive")
	}
	if c.Hub.SweepInterval <= 0 {
		return fmt.Errorf("hub.sweep_interval must be positive")
	}
	if c.Hub.MaxInactive < c.Hub.PingInterval {
		return fmt.Errorf("hub.max_inactive must be at least hub.ping_interval")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.ConnectionsPerSecond < 0 || c.RateLimit.MessagesPerSecond < 0 {
			return fmt.Errorf("ratelimit rates cannot be negative")
		}
		if c.RateLimit.ConnectionsPerSecond > 0 && c.RateLimit.ConnectionBurst < 1 {
			return fmt.Errorf("ratelimit.connection_burst must be at least 1")
		}
		if c.RateLimit.MessagesPerSecond > 0 && c.RateLimit.MessageBurst < 1 {
			return fmt.Errorf("ratelimit.message_burst must be at least 1")
		}
	}
	if c.Database.Retention < 0 {
		return fmt.Errorf("database.retention cannot be negative")
	}
	if c.Database.FailureThreshold < 1 {
		return fmt.Errorf("database.failure_threshold must be at least 1")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be one of: json, console")
	}
	return nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
