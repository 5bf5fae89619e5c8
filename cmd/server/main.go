package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/streamforge/twitch-bridge/internal/chatassets"
	"github.com/streamforge/twitch-bridge/internal/config"
	"github.com/streamforge/twitch-bridge/internal/eventsub"
	"github.com/streamforge/twitch-bridge/internal/hub"
	"github.com/streamforge/twitch-bridge/internal/logger"
	"github.com/streamforge/twitch-bridge/internal/metrics"
	"github.com/streamforge/twitch-bridge/internal/registry"
	"github.com/streamforge/twitch-bridge/internal/runtimetoken"
	"github.com/streamforge/twitch-bridge/internal/server"
	"github.com/streamforge/twitch-bridge/internal/storage/pg"
	"github.com/streamforge/twitch-bridge/internal/twitch"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	gin.SetMode(cfg.GinMode)

	db, err := pg.InitDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to initialize database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.DB.Close()
	store := db.Store

	twitchClient := twitch.NewClient(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRedirectURI, cfg.TwitchScopes)
	reg := registry.New()
	dedupe := runtimetoken.NewMessageDeduper(cfg.DedupeTTL)
	wsTokens := runtimetoken.NewWSTokenStore(cfg.WSTokenTTL)
	assets := chatassets.New(twitchClient, cfg.ChatAssetsTTL, cfg.ChatAssetsStaleIfError, log)

	// Wired after the manager exists; the hub needs its hooks at construction
	// and the manager needs the hub.
	var manager *eventsub.Manager

	statsCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), 5*time.Second)
	}
	recordHook := func(fn func(ctx context.Context, id uuid.UUID) error, what string) func(string) {
		return func(serviceID string) {
			id, err := uuid.Parse(serviceID)
			if err != nil {
				return
			}
			ctx, cancel := statsCtx()
			defer cancel()
			if err := fn(ctx, id); err != nil {
				log.Warn("stats update failed",
					slog.String("what", what),
					slog.String("service_id", serviceID),
					slog.String("error", err.Error()))
			}
		}
	}

	onConnect := recordHook(store.RecordServiceConnect, "connect")
	onDisconnect := recordHook(store.RecordServiceDisconnect, "disconnect")
	h := hub.New(log, hub.Hooks{
		OnConnect: func(serviceID string) {
			metrics.DownstreamWSConnections.Inc()
			onConnect(serviceID)
			if manager != nil {
				manager.Wake()
			}
		},
		OnDisconnect: func(serviceID string) {
			metrics.DownstreamWSConnections.Dec()
			onDisconnect(serviceID)
		},
		OnWSEvent:      recordHook(store.IncrementEventsSentWS, "ws event"),
		OnWebhookEvent: recordHook(store.IncrementEventsSentWebhook, "webhook event"),
	})

	manager = eventsub.NewManager(cfg, store, reg, h, assets, twitchClient, dedupe, log)
	if err := manager.LoadInterests(context.Background()); err != nil {
		log.Error("failed to load interests", slog.String("error", err.Error()))
		os.Exit(1)
	}
	manager.Start()

	srv, err := server.New(cfg, store, reg, manager, h, wsTokens, dedupe, log)
	if err != nil {
		log.Error("failed to build server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	addr := cfg.AppHost + ":" + cfg.AppPort
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: srv.Router(),
	}

	go func() {
		log.Info("bridge listening", slog.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	manager.Stop()
	h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Error("forced shutdown", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log.Info("server exited")
}
