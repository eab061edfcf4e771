// Package server provides configuration helpers that define runtime defaults,
// validation, and connection limits for the telescope server.
package server

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by sanitize when a field is unset or invalid.
const (
	DefaultPort                = ":5660"
	DefaultMaxConnections      = 32
	DefaultPoolSize            = 16
	DefaultPoolWorkers         = 2
	DefaultBufferSize          = 4096
	DefaultMaxPacketSize       = 8192
	DefaultKeepAlive           = 30 * time.Second
	DefaultMaintenanceInterval = time.Second
)

// RateLimitConfig defines the parameters for per-session inbound packet
// rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// WebSocketConfig configures the optional WebSocket bridge. The bridge is
// disabled when Port is empty.
type WebSocketConfig struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Config holds the server configuration settings.
type Config struct {
	Port                string          `yaml:"port"`
	MaxConnections      int             `yaml:"max_connections"`
	PoolSize            int             `yaml:"pool_size"`
	PoolWorkers         int             `yaml:"pool_workers"`
	BufferSize          int             `yaml:"buffer_size"`
	MaxPacketSize       int             `yaml:"max_packet_size"`
	KeepAlive           time.Duration   `yaml:"keepalive"`
	MaintenanceInterval time.Duration   `yaml:"maintenance_interval"`
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
	WebSocket           WebSocketConfig `yaml:"websocket"`
	AdminKey            string          `yaml:"admin_key"`
}

func defaultConfig() Config {
	return Config{
		Port:                DefaultPort,
		MaxConnections:      DefaultMaxConnections,
		PoolSize:            DefaultPoolSize,
		PoolWorkers:         DefaultPoolWorkers,
		BufferSize:          DefaultBufferSize,
		MaxPacketSize:       DefaultMaxPacketSize,
		KeepAlive:           DefaultKeepAlive,
		MaintenanceInterval: DefaultMaintenanceInterval,
		RateLimit: RateLimitConfig{
			Burst:          200,
			RefillInterval: time.Second,
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
		},
	}
}

// Sanitize returns a copy of cfg with every unset or invalid field replaced
// by its default. The input buffer never starts larger than MaxPacketSize and
// never smaller than one header.
func (cfg Config) Sanitize() Config {
	if cfg.Port == "" {
		cfg.Port = DefaultPort
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.PoolWorkers <= 0 {
		cfg.PoolWorkers = DefaultPoolWorkers
	}
	if cfg.PoolWorkers > cfg.PoolSize {
		cfg.PoolWorkers = cfg.PoolSize
	}
	if cfg.MaxPacketSize <= minBufferSize {
		cfg.MaxPacketSize = DefaultMaxPacketSize
	}
	if cfg.BufferSize < minBufferSize {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize > cfg.MaxPacketSize {
		cfg.BufferSize = cfg.MaxPacketSize
	}
	if cfg.KeepAlive < 0 {
		cfg.KeepAlive = 0
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 200
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}
	cfg.WebSocket.AllowedOrigins = append([]string(nil), cfg.WebSocket.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	applyEnv(&cfg)
	return &cfg
}

// LoadConfig reads a YAML configuration file, expanding ${VAR} references,
// then applies environment overrides and defaults.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(expandEnvVars(string(data)))

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	applyEnv(&cfg)

	sanitized := cfg.Sanitize()
	return &sanitized, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

func applyEnv(cfg *Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		cfg.MaxConnections = parseIntValue(v, cfg.MaxConnections)
	}
	if v := os.Getenv("POOL_SIZE"); v != "" {
		cfg.PoolSize = parseIntValue(v, cfg.PoolSize)
	}
	if v := os.Getenv("POOL_WORKERS"); v != "" {
		cfg.PoolWorkers = parseIntValue(v, cfg.PoolWorkers)
	}
	if v := os.Getenv("BUFFER_SIZE"); v != "" {
		cfg.BufferSize = parseIntValue(v, cfg.BufferSize)
	}
	if v := os.Getenv("MAX_PACKET_SIZE"); v != "" {
		cfg.MaxPacketSize = parseIntValue(v, cfg.MaxPacketSize)
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		cfg.RateLimit.Burst = parseIntValue(v, cfg.RateLimit.Burst)
	}
	if v := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); v != "" {
		cfg.RateLimit.RefillInterval = parseRefillInterval(v, cfg.RateLimit.RefillInterval)
	}
	if v := os.Getenv("WS_PORT"); v != "" {
		cfg.WebSocket.Port = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.WebSocket.AllowedOrigins = parseOrigins(v)
	}
	if v := os.Getenv("ADMIN_KEY"); v != "" {
		cfg.AdminKey = v
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseRefillInterval accepts a Go duration ("500ms") or a whole number of seconds.
func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
