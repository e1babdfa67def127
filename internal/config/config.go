// Package config loads server settings from defaults, an optional YAML file
// and PAIRPAD_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/manpreetbhatti/pairpad/internal/logging"
)

const EnvPrefix = "PAIRPAD"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	WebSocket  WebSocketConfig  `mapstructure:"websocket"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Compaction CompactionConfig `mapstructure:"compaction"`
	Logging    logging.Config   `mapstructure:"logging"`
}

// CompactionConfig drives the maintenance pass. A zero Interval disables it.
type CompactionConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	KeepMessages int           `mapstructure:"keep_messages"`
}

type ServerConfig struct {
	Address string `mapstructure:"address"`
	// AllowedOrigins lists the Origin values accepted on upgrade and by CORS.
	// "*" accepts any origin.
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig enables Redis-backed notifications when Address is set.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type WebSocketConfig struct {
	SendBuffer        int           `mapstructure:"send_buffer"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	WriteWait         time.Duration `mapstructure:"write_wait"`
	PongWait          time.Duration `mapstructure:"pong_wait"`
	MessagesPerSecond float64       `mapstructure:"messages_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxViolations     int           `mapstructure:"max_violations"`
	HistoryLimit      int           `mapstructure:"history_limit"`
}

// AuthConfig turns on token checks for authenticate events when JWTSecret is
// set.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.path", "./data/pairpad.db")

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "pairpad")

	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.max_message_size", 1024*1024)
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.messages_per_second", 100)
	v.SetDefault("websocket.burst", 200)
	v.SetDefault("websocket.max_violations", 1000)
	v.SetDefault("websocket.history_limit", 50)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("compaction.interval", "5m")
	v.SetDefault("compaction.keep_messages", 500)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 10)
	v.SetDefault("logging.max_age_days", 7)
	v.SetDefault("logging.console", true)
}

// Load reads configuration. An empty path looks for pairpad.yaml in the
// working directory and tolerates its absence; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pairpad")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		slog.Debug("Config file not found, using defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Address == "" {
		errs = append(errs, errors.New("server.address is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	ws := c.WebSocket
	if ws.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("websocket.send_buffer must be positive, got %d", ws.SendBuffer))
	}
	if ws.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("websocket.max_message_size must be positive, got %d", ws.MaxMessageSize))
	}
	if ws.PongWait < time.Second {
		errs = append(errs, fmt.Errorf("websocket.pong_wait must be at least 1s, got %s", ws.PongWait))
	}
	if ws.WriteWait <= 0 {
		errs = append(errs, fmt.Errorf("websocket.write_wait must be positive, got %s", ws.WriteWait))
	}
	if ws.MessagesPerSecond <= 0 || ws.Burst < 1 {
		errs = append(errs, errors.New("websocket.messages_per_second and websocket.burst must be positive"))
	}
	if c.Compaction.Interval < 0 {
		errs = append(errs, fmt.Errorf("compaction.interval must not be negative, got %s", c.Compaction.Interval))
	}
	if c.Compaction.Interval > 0 && c.Compaction.KeepMessages < ws.HistoryLimit {
		errs = append(errs, fmt.Errorf("compaction.keep_messages (%d) must be at least websocket.history_limit (%d)",
			c.Compaction.KeepMessages, ws.HistoryLimit))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}
