package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"rosegarden/internal/config"
	"rosegarden/internal/offline"
	"rosegarden/internal/redis"
)

// Set with -ldflags "-X main.version=...".
var version string

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("[CONFIG] Invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()})))

	if version == "" {
		version = strconv.FormatInt(time.Now().Unix(), 10)
	}

	origin, err := url.Parse(cfg.Offline.OriginURL)
	if err != nil || origin.Host == "" {
		slog.Error("[CONFIG] Invalid ORIGIN_URL", "url", cfg.Offline.OriginURL, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var storage offline.Storage = offline.NewMemoryStorage()
	if cfg.Offline.Storage == "redis" {
		redisClient, err := redis.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			slog.Error("[REDIS] Failed to connect", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		storage = redisClient.CacheStorage("offline:")
	}

	policy := offline.DefaultPolicy()
	policy.BypassHosts = append(policy.BypassHosts, cfg.Offline.BypassHosts...)
	policy.BypassPaths = append(policy.BypassPaths, cfg.Offline.BypassPaths...)

	controller := offline.NewController(offline.Config{
		Origin:   origin,
		Version:  version,
		Prefix:   cfg.Offline.CachePrefix,
		Manifest: cfg.Offline.Manifest,
		Fallback: cfg.Offline.Fallback,
		Policy:   policy,
	}, storage, offline.NewFetcher(30*time.Second))

	if _, err := controller.Install(ctx); err != nil {
		slog.Error("[OFFLINE] Install failed", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.Offline.ListenAddr,
		Handler:           offline.NewHandler(controller, origin),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("[OFFLINE] Proxy starting", "addr", srv.Addr, "origin", origin.String(), "version", version, "cache", controller.CacheName())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("[OFFLINE] Server failed", "error", err)
		os.Exit(1)
	}
}
