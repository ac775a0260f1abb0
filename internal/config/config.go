package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Postgres PostgresConfig
	Matching MatchingConfig
	Chat     ChatConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Addr             string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HeartbeatPeriod  time.Duration
	HeartbeatTimeout time.Duration
	MaxConnections   int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Enabled switches the rate limiter and the Redis-backed cache,
	// locator and presence on. Without it everything stays in process.
	Enabled bool
}

type NATSConfig struct {
	URL     string
	Enabled bool
}

type PostgresConfig struct {
	DSN            string
	MigrateOnStart bool
	MaxOpenConns   int
}

type MatchingConfig struct {
	ConversationCost int
	CandidateLimit   int
	CacheBackend     string // memory | redis
	CacheTTL         time.Duration
	LocatorBackend   string // store | redis
	RematchWindow    time.Duration
}

type ChatConfig struct {
	KeyStrategy       string // envelope | derived
	DerivedKeySalt    string
	MatchRateLimit    int
	MatchRateWindow   time.Duration
	MessageRateLimit  int
	MessageRateWindow time.Duration
	MaxTextBytes      int
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:             ":8080",
			ReadTimeout:      15 * time.Second,
			WriteTimeout:     10 * time.Second,
			HeartbeatPeriod:  30 * time.Second,
			HeartbeatTimeout: 10 * time.Second,
			MaxConnections:   10000,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		Postgres: PostgresConfig{
			MaxOpenConns: 20,
		},
		Matching: MatchingConfig{
			ConversationCost: 1,
			CandidateLimit:   200,
			CacheBackend:     "memory",
			CacheTTL:         3 * time.Minute,
			LocatorBackend:   "store",
			RematchWindow:    7 * 24 * time.Hour,
		},
		Chat: ChatConfig{
			KeyStrategy:       "envelope",
			MatchRateLimit:    10,
			MatchRateWindow:   time.Minute,
			MessageRateLimit:  20,
			MessageRateWindow: 10 * time.Second,
			MaxTextBytes:      16 * 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from defaults, an optional config file and
// MATCHROOM_* environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("MATCHROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:             v.GetString("server.addr"),
			ReadTimeout:      v.GetDuration("server.read_timeout"),
			WriteTimeout:     v.GetDuration("server.write_timeout"),
			HeartbeatPeriod:  v.GetDuration("server.heartbeat_period"),
			HeartbeatTimeout: v.GetDuration("server.heartbeat_timeout"),
			MaxConnections:   v.GetInt("server.max_connections"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Enabled:  v.GetBool("redis.enabled"),
		},
		NATS: NATSConfig{
			URL:     v.GetString("nats.url"),
			Enabled: v.GetBool("nats.enabled"),
		},
		Postgres: PostgresConfig{
			DSN:            v.GetString("postgres.dsn"),
			MigrateOnStart: v.GetBool("postgres.migrate_on_start"),
			MaxOpenConns:   v.GetInt("postgres.max_open_conns"),
		},
		Matching: MatchingConfig{
			ConversationCost: v.GetInt("matching.conversation_cost"),
			CandidateLimit:   v.GetInt("matching.candidate_limit"),
			CacheBackend:     v.GetString("matching.cache_backend"),
			CacheTTL:         v.GetDuration("matching.cache_ttl"),
			LocatorBackend:   v.GetString("matching.locator_backend"),
			RematchWindow:    v.GetDuration("matching.rematch_window"),
		},
		Chat: ChatConfig{
			KeyStrategy:       v.GetString("chat.key_strategy"),
			DerivedKeySalt:    v.GetString("chat.derived_key_salt"),
			MatchRateLimit:    v.GetInt("chat.match_rate_limit"),
			MatchRateWindow:   v.GetDuration("chat.match_rate_window"),
			MessageRateLimit:  v.GetInt("chat.message_rate_limit"),
			MessageRateWindow: v.GetDuration("chat.message_rate_window"),
			MaxTextBytes:      v.GetInt("chat.max_text_bytes"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.heartbeat_period", d.Server.HeartbeatPeriod)
	v.SetDefault("server.heartbeat_timeout", d.Server.HeartbeatTimeout)
	v.SetDefault("server.max_connections", d.Server.MaxConnections)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.enabled", d.Redis.Enabled)

	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.enabled", d.NATS.Enabled)

	v.SetDefault("postgres.dsn", d.Postgres.DSN)
	v.SetDefault("postgres.migrate_on_start", d.Postgres.MigrateOnStart)
	v.SetDefault("postgres.max_open_conns", d.Postgres.MaxOpenConns)

	v.SetDefault("matching.conversation_cost", d.Matching.ConversationCost)
	v.SetDefault("matching.candidate_limit", d.Matching.CandidateLimit)
	v.SetDefault("matching.cache_backend", d.Matching.CacheBackend)
	v.SetDefault("matching.cache_ttl", d.Matching.CacheTTL)
	v.SetDefault("matching.locator_backend", d.Matching.LocatorBackend)
	v.SetDefault("matching.rematch_window", d.Matching.RematchWindow)

	v.SetDefault("chat.key_strategy", d.Chat.KeyStrategy)
	v.SetDefault("chat.derived_key_salt", d.Chat.DerivedKeySalt)
	v.SetDefault("chat.match_rate_limit", d.Chat.MatchRateLimit)
	v.SetDefault("chat.match_rate_window", d.Chat.MatchRateWindow)
	v.SetDefault("chat.message_rate_limit", d.Chat.MessageRateLimit)
	v.SetDefault("chat.message_rate_window", d.Chat.MessageRateWindow)
	v.SetDefault("chat.max_text_bytes", d.Chat.MaxTextBytes)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate rejects values the service cannot start with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server address is required")
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be positive")
	}
	if c.Matching.ConversationCost < 0 {
		return fmt.Errorf("conversation cost must not be negative")
	}
	if c.Matching.CandidateLimit <= 0 {
		return fmt.Errorf("candidate limit must be positive")
	}
	switch c.Matching.CacheBackend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("redis cache backend requires redis.enabled")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Matching.CacheBackend)
	}
	switch c.Matching.LocatorBackend {
	case "store":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("redis locator backend requires redis.enabled")
		}
	default:
		return fmt.Errorf("unknown locator backend %q", c.Matching.LocatorBackend)
	}
	switch c.Chat.KeyStrategy {
	case "envelope":
	case "derived":
		if c.Chat.DerivedKeySalt == "" {
			return fmt.Errorf("derived key strategy requires chat.derived_key_salt")
		}
	default:
		return fmt.Errorf("unknown key strategy %q", c.Chat.KeyStrategy)
	}
	if c.Chat.MaxTextBytes <= 0 {
		return fmt.Errorf("max text bytes must be positive")
	}
	return nil
}

// UsesPostgres reports whether a DSN was configured. Without one the
// in-memory store is used.
func (c *Config) UsesPostgres() bool {
	return c.Postgres.DSN != ""
}
