// Package config loads coursechat settings from defaults, COURSECHAT_*
// environment variables and an optional JSON or YAML file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"

	dbconfig "coursechat/pkg/database"
)

const envPrefix = "COURSECHAT_"

type Config struct {
	Database  *DatabaseConfig  `json:"database" yaml:"database"`
	HTTP      *HTTPConfig      `json:"http" yaml:"http"`
	WebSocket *WebSocketConfig `json:"websocket" yaml:"websocket"`
	Signals   *SignalsConfig   `json:"signals" yaml:"signals"`
	Delivery  *DeliveryConfig  `json:"delivery" yaml:"delivery"`
	Auth      *AuthConfig      `json:"auth" yaml:"auth"`
	RateLimit *RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Logging   *LoggingConfig   `json:"logging" yaml:"logging"`
	Retention *RetentionConfig `json:"retention" yaml:"retention"`
	Directory *DirectoryConfig `json:"directory" yaml:"directory"`
}

type DatabaseConfig struct {
	Path           string   `json:"path" yaml:"path"`
	MaxConnections int      `json:"max_connections" yaml:"max_connections"`
	BusyTimeout    Duration `json:"busy_timeout" yaml:"busy_timeout"`
	WriteQueueSize int      `json:"write_queue_size" yaml:"write_queue_size"`
}

type HTTPConfig struct {
	Host            string   `json:"host" yaml:"host"`
	Port            int      `json:"port" yaml:"port"`
	ReadTimeout     Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type WebSocketConfig struct {
	PingInterval    Duration `json:"ping_interval" yaml:"ping_interval"`
	ReadTimeout     Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout" yaml:"write_timeout"`
	RegisterTimeout Duration `json:"register_timeout" yaml:"register_timeout"`
	BufferSize      int      `json:"buffer_size" yaml:"buffer_size"`
	MaxFrameBytes   int64    `json:"max_frame_bytes" yaml:"max_frame_bytes"`
	AllowedOrigins  []string `json:"allowed_origins" yaml:"allowed_origins"`
}

type SignalsConfig struct {
	TypingIdleTimeout Duration `json:"typing_idle_timeout" yaml:"typing_idle_timeout"`
	Shards            int      `json:"shards" yaml:"shards"`
}

type DeliveryConfig struct {
	Lanes          int      `json:"lanes" yaml:"lanes"`
	LaneBuffer     int      `json:"lane_buffer" yaml:"lane_buffer"`
	RouteTimeout   Duration `json:"route_timeout" yaml:"route_timeout"`
	PresenceShards int      `json:"presence_shards" yaml:"presence_shards"`
}

type AuthConfig struct {
	JWTSecret           string `json:"jwt_secret" yaml:"jwt_secret"`
	Issuer              string `json:"issuer" yaml:"issuer"`
	AllowHeaderIdentity bool   `json:"allow_header_identity" yaml:"allow_header_identity"`
	ServiceToken        string `json:"service_token" yaml:"service_token"`
}

type RateLimitConfig struct {
	SendPerSecond   float64 `json:"send_per_second" yaml:"send_per_second"`
	SendBurst       int     `json:"send_burst" yaml:"send_burst"`
	TypingPerSecond float64 `json:"typing_per_second" yaml:"typing_per_second"`
	TypingBurst     int     `json:"typing_burst" yaml:"typing_burst"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type RetentionConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Schedule string   `json:"schedule" yaml:"schedule"`
	ReadTTL  Duration `json:"read_ttl" yaml:"read_ttl"`
}

type DirectoryConfig struct {
	SeedFile       string   `json:"seed_file" yaml:"seed_file"`
	OpenMembership bool     `json:"open_membership" yaml:"open_membership"`
	CacheTTL       Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:           "./data/coursechat.db",
			MaxConnections: 10,
			BusyTimeout:    Duration(5 * time.Second),
			WriteQueueSize: 1000,
		},
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		WebSocket: &WebSocketConfig{
			PingInterval:    Duration(30 * time.Second),
			ReadTimeout:     Duration(60 * time.Second),
			WriteTimeout:    Duration(5 * time.Second),
			RegisterTimeout: Duration(10 * time.Second),
			BufferSize:      64,
			MaxFrameBytes:   16 * 1024,
		},
		Signals: &SignalsConfig{
			TypingIdleTimeout: Duration(5 * time.Second),
			Shards:            16,
		},
		Delivery: &DeliveryConfig{
			Lanes:          16,
			LaneBuffer:     256,
			RouteTimeout:   Duration(10 * time.Second),
			PresenceShards: 16,
		},
		Auth: &AuthConfig{
			AllowHeaderIdentity: true,
		},
		RateLimit: &RateLimitConfig{
			SendPerSecond:   5,
			SendBurst:       10,
			TypingPerSecond: 2,
			TypingBurst:     5,
		},
		Logging: &LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Retention: &RetentionConfig{
			Enabled:  true,
			Schedule: "0 3 * * *",
			ReadTTL:  Duration(720 * time.Hour),
		},
		Directory: &DirectoryConfig{
			CacheTTL: Duration(5 * time.Minute),
		},
	}
}

func (c *Config) Validate() error {
	if c.Database == nil || c.HTTP == nil || c.WebSocket == nil || c.Signals == nil ||
		c.Delivery == nil || c.Auth == nil || c.RateLimit == nil || c.Logging == nil ||
		c.Retention == nil || c.Directory == nil {
		return fmt.Errorf("all configuration sections are required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max_connections must be positive")
	}
	if c.Database.BusyTimeout <= 0 {
		return fmt.Errorf("database busy_timeout must be positive")
	}
	if c.Database.WriteQueueSize <= 0 {
		return fmt.Errorf("database write_queue_size must be positive")
	}

	// 0 binds an ephemeral port
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 || c.WebSocket.RegisterTimeout <= 0 {
		return fmt.Errorf("WebSocket write and register timeouts must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.Signals.TypingIdleTimeout <= 0 {
		return fmt.Errorf("typing idle timeout must be positive")
	}
	if c.Signals.Shards <= 0 || c.Delivery.PresenceShards <= 0 {
		return fmt.Errorf("shard counts must be positive")
	}
	if c.Delivery.Lanes <= 0 || c.Delivery.LaneBuffer <= 0 {
		return fmt.Errorf("delivery lanes and lane buffer must be positive")
	}
	if c.Delivery.RouteTimeout <= 0 {
		return fmt.Errorf("delivery route timeout must be positive")
	}

	if c.Auth.JWTSecret == "" && !c.Auth.AllowHeaderIdentity {
		return fmt.Errorf("auth requires jwt_secret unless allow_header_identity is enabled")
	}

	if c.RateLimit.SendBurst < 0 || c.RateLimit.TypingBurst < 0 {
		return fmt.Errorf("rate limit bursts cannot be negative")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging format must be json or console, got %q", c.Logging.Format)
	}

	if c.Retention.Enabled {
		if !gronx.New().IsValid(c.Retention.Schedule) {
			return fmt.Errorf("invalid retention.schedule: not a valid cron expression")
		}
		if c.Retention.ReadTTL <= 0 {
			return fmt.Errorf("retention read_ttl must be positive")
		}
	}

	return nil
}

// Store converts the database section into the store's configuration.
func (d *DatabaseConfig) Store() *dbconfig.Config {
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = d.Path
	cfg.MaxConnections = d.MaxConnections
	cfg.BusyTimeout = d.BusyTimeout.Duration()
	cfg.WriteQueueSize = d.WriteQueueSize
	return cfg
}

// Addr is the HTTP listen address.
func (h *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// LoadFromEnv overlays COURSECHAT_* variables on the defaults. Unparseable
// values are ignored.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(c *Config) {
	envString("DATABASE_PATH", &c.Database.Path)
	envInt("DATABASE_MAX_CONNECTIONS", &c.Database.MaxConnections)
	envDuration("DATABASE_BUSY_TIMEOUT", &c.Database.BusyTimeout)

	envString("HTTP_HOST", &c.HTTP.Host)
	envInt("HTTP_PORT", &c.HTTP.Port)
	envDuration("HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)

	envDuration("WEBSOCKET_PING_INTERVAL", &c.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &c.WebSocket.ReadTimeout)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &c.WebSocket.WriteTimeout)
	envInt("WEBSOCKET_BUFFER_SIZE", &c.WebSocket.BufferSize)
	if origins := os.Getenv(envPrefix + "WEBSOCKET_ALLOWED_ORIGINS"); origins != "" {
		c.WebSocket.AllowedOrigins = splitList(origins)
	}

	envDuration("SIGNALS_TYPING_IDLE_TIMEOUT", &c.Signals.TypingIdleTimeout)
	envInt("DELIVERY_LANES", &c.Delivery.Lanes)

	envString("AUTH_JWT_SECRET", &c.Auth.JWTSecret)
	envString("AUTH_ISSUER", &c.Auth.Issuer)
	envBool("AUTH_ALLOW_HEADER_IDENTITY", &c.Auth.AllowHeaderIdentity)
	envString("AUTH_SERVICE_TOKEN", &c.Auth.ServiceToken)

	envFloat("RATE_LIMIT_SEND_PER_SECOND", &c.RateLimit.SendPerSecond)
	envInt("RATE_LIMIT_SEND_BURST", &c.RateLimit.SendBurst)

	envString("LOG_LEVEL", &c.Logging.Level)
	envString("LOG_FORMAT", &c.Logging.Format)

	envBool("RETENTION_ENABLED", &c.Retention.Enabled)
	envString("RETENTION_SCHEDULE", &c.Retention.Schedule)
	envDuration("RETENTION_READ_TTL", &c.Retention.ReadTTL)

	envString("DIRECTORY_SEED_FILE", &c.Directory.SeedFile)
	envBool("DIRECTORY_OPEN_MEMBERSHIP", &c.Directory.OpenMembership)
}

func envString(key string, dst *string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if d, err := parseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
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

// LoadFromFile reads a JSON or YAML file (by extension) over the defaults.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := decodeFile(path, config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func decodeFile(path string, into *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, into)
	case ".json":
		err = json.Unmarshal(data, into)
	default:
		return fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadConfigWithPrecedence resolves file > environment > defaults and
// validates the result. An empty path skips the file.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := LoadFromEnv()
	if path != "" {
		if err := decodeFile(path, config); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
