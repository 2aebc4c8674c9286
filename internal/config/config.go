// Package config loads and validates service configuration from the
// environment and an optional .env file using Viper.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendTables   = "tables"
)

// Config holds service configuration.
type Config struct {
	ListenAddr string `mapstructure:"LISTEN_ADDR"`

	StoreBackend            string `mapstructure:"STORE_BACKEND"`
	DatabaseURL             string `mapstructure:"DATABASE_URL"`
	StorageConnectionString string `mapstructure:"STORAGE_CONNECTION_STRING"`
	EntitiesTable           string `mapstructure:"ENTITIES_TABLE"`

	// RedisConnectionString enables the delta relay, the list cache and
	// idempotency keys. Either a redis:// URL or "host:port,password=...,ssl=true".
	RedisConnectionString string        `mapstructure:"REDIS_CONNECTION_STRING"`
	RelayChannel          string        `mapstructure:"RELAY_CHANNEL"`
	ListCacheTTL          time.Duration `mapstructure:"LIST_CACHE_TTL"`
	DeduperTTL            time.Duration `mapstructure:"DEDUPER_TTL"`

	// DeltaQueue, when set, exports every delta to this Azure Storage queue.
	DeltaQueue string `mapstructure:"DELTA_QUEUE"`

	SessionIdleTimeout   time.Duration `mapstructure:"SESSION_IDLE_TIMEOUT"`
	SessionPingInterval  time.Duration `mapstructure:"SESSION_PING_INTERVAL"`
	SessionQueueCapacity int           `mapstructure:"SESSION_QUEUE_CAPACITY"`
	WSWriteTimeout       time.Duration `mapstructure:"WS_WRITE_TIMEOUT"`

	StateCacheTTL   time.Duration `mapstructure:"STATE_CACHE_TTL"`
	WriteTimeout    time.Duration `mapstructure:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`

	AuthMode        string `mapstructure:"AUTH_MODE"`
	Auth0Domain     string `mapstructure:"AUTH0_DOMAIN"`
	Auth0Audience   string `mapstructure:"AUTH0_AUDIENCE"`
	LocalAuthSecret string `mapstructure:"LOCAL_AUTH_SHARED_SECRET"`

	Debug     bool   `mapstructure:"DEBUG"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment. Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("STORE_BACKEND", BackendMemory)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("STORAGE_CONNECTION_STRING", "")
	v.SetDefault("ENTITIES_TABLE", "entities")
	v.SetDefault("REDIS_CONNECTION_STRING", "")
	v.SetDefault("RELAY_CHANNEL", "entity-deltas")
	v.SetDefault("LIST_CACHE_TTL", "30s")
	v.SetDefault("DEDUPER_TTL", "24h")
	v.SetDefault("DELTA_QUEUE", "")
	v.SetDefault("SESSION_IDLE_TIMEOUT", "60s")
	v.SetDefault("SESSION_PING_INTERVAL", "20s")
	v.SetDefault("SESSION_QUEUE_CAPACITY", 256)
	v.SetDefault("WS_WRITE_TIMEOUT", "10s")
	v.SetDefault("STATE_CACHE_TTL", "5s")
	v.SetDefault("WRITE_TIMEOUT", "10s")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("AUTH_MODE", "none")
	v.SetDefault("AUTH0_DOMAIN", "")
	v.SetDefault("AUTH0_AUDIENCE", "")
	v.SetDefault("LOCAL_AUTH_SHARED_SECRET", "")
	v.SetDefault("DEBUG", false)
	v.SetDefault("LOG_FORMAT", "text")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required settings and bounds.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("config: LISTEN_ADDR must be set")
	}
	c.StoreBackend = strings.ToLower(c.StoreBackend)
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL must be set for the postgres backend")
		}
	case BackendTables:
		if c.StorageConnectionString == "" || c.EntitiesTable == "" {
			return errors.New("config: STORAGE_CONNECTION_STRING and ENTITIES_TABLE must be set for the tables backend")
		}
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.DeltaQueue != "" && c.StorageConnectionString == "" {
		return errors.New("config: DELTA_QUEUE requires STORAGE_CONNECTION_STRING")
	}
	if c.SessionQueueCapacity < 1 {
		return errors.New("config: SESSION_QUEUE_CAPACITY must be positive")
	}
	if c.SessionIdleTimeout <= 0 || c.SessionPingInterval <= 0 {
		return errors.New("config: session timeouts must be positive")
	}
	if c.SessionPingInterval >= c.SessionIdleTimeout {
		return errors.New("config: SESSION_PING_INTERVAL must be shorter than SESSION_IDLE_TIMEOUT")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("config: WRITE_TIMEOUT must be positive")
	}
	if c.RedisConnectionString != "" && c.RelayChannel == "" {
		return errors.New("config: RELAY_CHANNEL must be set when redis is configured")
	}
	switch strings.ToLower(c.AuthMode) {
	case "none", "":
	case "jwt":
		if c.Auth0Domain == "" || c.Auth0Audience == "" {
			return errors.New("config: AUTH0_DOMAIN and AUTH0_AUDIENCE must be set when AUTH_MODE=jwt")
		}
	case "hs256":
		if c.LocalAuthSecret == "" {
			return errors.New("config: LOCAL_AUTH_SHARED_SECRET must be set when AUTH_MODE=hs256")
		}
	default:
		return fmt.Errorf("config: unknown AUTH_MODE %q", c.AuthMode)
	}
	return nil
}

// ParseRedis accepts a redis:// URL or an Azure-style connection string
// ("host:port,password=...,ssl=true").
func ParseRedis(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("empty redis connection string")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	if strings.Contains(parts[0], "=") || strings.TrimSpace(parts[0]) == "" {
		return nil, fmt.Errorf("invalid redis connection string %q", conn)
	}
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}
