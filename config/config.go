package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	LogLevel       string
	Auth           AuthConfig
	Store          StoreConfig
	Redis          RedisConfig
	Presence       PresenceConfig
	Calls          CallConfig
	Socket         SocketConfig
}

type AuthConfig struct {
	RequireToken bool
}

type StoreConfig struct {
	Driver string // memory, postgres or sqlite
	DSN    string
	// memory driver only: user ids that exist from startup
	SeedUsers []int64
	// memory driver only: group id to member ids, from "10:1,2,3;11:4,5"
	SeedGroups map[int64][]int64
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
}

type PresenceConfig struct {
	GracePeriod    time.Duration
	LivenessWindow time.Duration
}

type CallConfig struct {
	OfferTimeout  time.Duration
	AnswerTimeout time.Duration
	ActiveTimeout time.Duration
	ReapInterval  time.Duration
}

type SocketConfig struct {
	AuthGraceFrames int
	SendBuffer      int
}

var defaults = map[string]any{
	"port":                     "8080",
	"environment":              "development",
	"allowed_origins":          "http://localhost:3000,http://localhost:5173",
	"jwt_secret":               "change-me-in-production",
	"log_level":                "info",
	"auth.require_token":       false,
	"store.driver":             "memory",
	"store.dsn":                "",
	"store.seed_users":         "",
	"store.seed_groups":        "",
	"redis.enabled":            false,
	"redis.host":               "localhost",
	"redis.port":               "6379",
	"redis.password":           "",
	"redis.db":                 0,
	"presence.grace_period":    "5s",
	"presence.liveness_window": "90s",
	"calls.offer_timeout":      "45s",
	"calls.answer_timeout":     "60s",
	"calls.active_timeout":     "4h",
	"calls.reap_interval":      "5s",
	"socket.auth_grace_frames": 5,
	"socket.send_buffer":       256,
}

// Load reads an optional config file, then .env, then REALTIME_* environment variables.
// Environment wins over the file.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("REALTIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		Port:           v.GetString("port"),
		Environment:    v.GetString("environment"),
		AllowedOrigins: splitList(v.GetString("allowed_origins")),
		JWTSecret:      v.GetString("jwt_secret"),
		LogLevel:       v.GetString("log_level"),
		Auth: AuthConfig{
			RequireToken: v.GetBool("auth.require_token"),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(v.GetString("store.driver")),
			DSN:    v.GetString("store.dsn"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Host:     v.GetString("redis.host"),
			Port:     v.GetString("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Socket: SocketConfig{
			AuthGraceFrames: v.GetInt("socket.auth_grace_frames"),
			SendBuffer:      v.GetInt("socket.send_buffer"),
		},
	}

	seeds, err := parseIDs(v.GetString("store.seed_users"))
	if err != nil {
		return nil, fmt.Errorf("invalid store.seed_users: %w", err)
	}
	cfg.Store.SeedUsers = seeds

	groups, err := parseGroups(v.GetString("store.seed_groups"))
	if err != nil {
		return nil, fmt.Errorf("invalid store.seed_groups: %w", err)
	}
	cfg.Store.SeedGroups = groups

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"presence.grace_period", &cfg.Presence.GracePeriod},
		{"presence.liveness_window", &cfg.Presence.LivenessWindow},
		{"calls.offer_timeout", &cfg.Calls.OfferTimeout},
		{"calls.answer_timeout", &cfg.Calls.AnswerTimeout},
		{"calls.active_timeout", &cfg.Calls.ActiveTimeout},
		{"calls.reap_interval", &cfg.Calls.ReapInterval},
	}
	for _, d := range durations {
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Socket.SendBuffer <= 0 {
		return fmt.Errorf("socket.send_buffer must be positive")
	}
	if c.Calls.ReapInterval <= 0 {
		return fmt.Errorf("calls.reap_interval must be positive")
	}
	return nil
}

// Addr returns host:port for the redis client.
func (c RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range splitList(s) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// parseGroups reads "gid:member,member;gid:member" into a membership map.
func parseGroups(s string) (map[int64][]int64, error) {
	groups := make(map[int64][]int64)
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, members, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("group %q has no member list", entry)
		}
		groupID, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return nil, err
		}
		ids, err := parseIDs(members)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("group %d has no members", groupID)
		}
		groups[groupID] = ids
	}
	return groups, nil
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
