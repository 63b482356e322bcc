// Package config loads the signaling server configuration from an optional
// .env file, an optional config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	ICE       ICEConfig
	Log       LogConfig
}

type ServerConfig struct {
	Addr string
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

// DatabaseConfig enables the room-session audit when DSN is set.
type DatabaseConfig struct {
	DSN string
}

// RedisConfig enables the presence mirror and the admin control channel when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
	TTL    time.Duration
}

type ICEConfig struct {
	Servers []ICEServer `mapstructure:"servers"`
}

// ICEServer is served to clients as-is by /ice-servers.
type ICEServer struct {
	URLs       []string `mapstructure:"urls" json:"urls"`
	Username   string   `mapstructure:"username" json:"username,omitempty"`
	Credential string   `mapstructure:"credential" json:"credential,omitempty"`
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads .env (if present), then config.yaml from ./config or the working
// directory (if present), then environment overrides.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	_ = v.BindEnv("server.addr", "SERVER_ADDR")
	_ = v.BindEnv("database.dsn", "DATABASE_DSN")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// PORT wins over server.addr, as most hosting platforms only set PORT.
	if port := v.GetString("port"); port != "" {
		cfg.Server.Addr = ":" + strings.TrimPrefix(port, ":")
	}

	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", DefaultPingInterval)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", DefaultPongWait)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", DefaultWriteWait)
	cfg.JWT.TTL = parseDuration(v, "jwt.ttl", DefaultJWTTTL)

	if len(cfg.ICE.Servers) == 0 {
		cfg.ICE.Servers = []ICEServer{{URLs: []string{DefaultSTUNServer}}}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		return fmt.Errorf("websocket.ping_interval (%s) must be shorter than websocket.pong_wait (%s)",
			c.WebSocket.PingInterval, c.WebSocket.PongWait)
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return errors.New("websocket.max_message_size must be positive")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return errors.New("websocket.send_buffer must be positive")
	}
	if c.JWT.Secret == "" {
		return errors.New("jwt.secret is required (set JWT_SECRET)")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", DefaultServerAddr)
	v.SetDefault("websocket.ping_interval", DefaultPingInterval.String())
	v.SetDefault("websocket.pong_wait", DefaultPongWait.String())
	v.SetDefault("websocket.write_wait", DefaultWriteWait.String())
	v.SetDefault("websocket.max_message_size", DefaultMaxMessageSize)
	v.SetDefault("websocket.send_buffer", DefaultSendBuffer)
	v.SetDefault("database.dsn", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.ttl", DefaultJWTTTL.String())
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.pretty", false)
}

func parseDuration(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return fallback
	}
	return d
}
