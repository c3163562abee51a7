package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Chat.PageSize)
	assert.Equal(t, 30*time.Second, cfg.Chat.ReconcileWindow)
	assert.Equal(t, "rose-cache", cfg.Offline.CachePrefix)
	assert.Equal(t, "/index.html", cfg.Offline.Fallback)
	assert.Contains(t, cfg.Offline.Manifest, "/manifest.json")
	assert.Equal(t, slog.LevelInfo, cfg.Level())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CHAT_PAGE_SIZE", "50")
	t.Setenv("PRECACHE_MANIFEST", "/,/a.png")
	t.Setenv("BYPASS_HOSTS", "cdn.example.com,id.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, slog.LevelDebug, cfg.Level())
	assert.Equal(t, 50, cfg.Chat.PageSize)
	assert.Equal(t, []string{"/", "/a.png"}, cfg.Offline.Manifest)
	assert.Equal(t, []string{"cdn.example.com", "id.example.com"}, cfg.Offline.BypassHosts)
}

func TestLoadRejectsRedisStorageWithoutURL(t *testing.T) {
	t.Setenv("CACHE_STORAGE", "redis")
	t.Setenv("REDIS_URL", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsUnknownStorage(t *testing.T) {
	t.Setenv("CACHE_STORAGE", "disk")

	_, err := Load()
	assert.Error(t, err)
}

func TestLocationFallback(t *testing.T) {
	c := Chat{Timezone: "Nowhere/Special"}
	assert.Equal(t, time.Local, c.Location())
}
