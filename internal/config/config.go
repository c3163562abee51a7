package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	RedisURL string `env:"REDIS_URL"`

	Chat    Chat
	Offline Offline
}

// Chat configures cmd/rosechat.
type Chat struct {
	APIBaseURL      string        `env:"API_BASE_URL" envDefault:"http://localhost:8080"`
	WSURL           string        `env:"WS_URL" envDefault:"ws://localhost:8080/ws-stomp"`
	AccessToken     string        `env:"ACCESS_TOKEN"`
	RefreshToken    string        `env:"REFRESH_TOKEN"`
	JWKSURL         string        `env:"JWKS_URL"`
	PageSize        int           `env:"CHAT_PAGE_SIZE" envDefault:"30"`
	ReconcileWindow time.Duration `env:"CHAT_RECONCILE_WINDOW" envDefault:"30s"`
	Timezone        string        `env:"CHAT_TIMEZONE" envDefault:"Asia/Seoul"`
}

// Offline configures cmd/offlineproxy.
type Offline struct {
	OriginURL   string   `env:"ORIGIN_URL" envDefault:"http://localhost:3000"`
	ListenAddr  string   `env:"LISTEN_ADDR" envDefault:":8081"`
	CachePrefix string   `env:"CACHE_PREFIX" envDefault:"rose-cache"`
	Manifest    []string `env:"PRECACHE_MANIFEST" envSeparator:"," envDefault:"/,/index.html,/favicon.ico,/logo192.png,/logo512.png,/manifest.json"`
	Fallback    string   `env:"OFFLINE_FALLBACK" envDefault:"/index.html"`
	BypassHosts []string `env:"BYPASS_HOSTS" envSeparator:","`
	BypassPaths []string `env:"BYPASS_PATHS" envSeparator:","`
	Storage     string   `env:"CACHE_STORAGE" envDefault:"memory"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	switch cfg.Offline.Storage {
	case "memory", "redis":
	default:
		return nil, fmt.Errorf("CACHE_STORAGE must be memory or redis, got %q", cfg.Offline.Storage)
	}
	if cfg.Offline.Storage == "redis" && cfg.RedisURL == "" {
		return nil, fmt.Errorf("CACHE_STORAGE=redis requires REDIS_URL")
	}
	if cfg.Chat.PageSize <= 0 {
		return nil, fmt.Errorf("CHAT_PAGE_SIZE must be positive, got %d", cfg.Chat.PageSize)
	}

	return cfg, nil
}

// Level maps LOG_LEVEL to a slog level, defaulting to info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Location resolves CHAT_TIMEZONE, falling back to the local zone.
func (c *Chat) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		slog.Warn("[CONFIG] Unknown timezone, using local", "timezone", c.Timezone, "error", err)
		return time.Local
	}
	return loc
}
