// cmd/sense/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rootkit0/AgroSense-API/internal/alerting"
	"github.com/rootkit0/AgroSense-API/internal/anomaly"
	"github.com/rootkit0/AgroSense-API/internal/api"
	"github.com/rootkit0/AgroSense-API/internal/auth"
	"github.com/rootkit0/AgroSense-API/internal/config"
	"github.com/rootkit0/AgroSense-API/internal/configplan"
	"github.com/rootkit0/AgroSense-API/internal/device"
	"github.com/rootkit0/AgroSense-API/internal/ingest"
	"github.com/rootkit0/AgroSense-API/internal/store"
	"github.com/rootkit0/AgroSense-API/internal/websocket"
)

func main() {
	configPath := flag.String("config", ".", "Path to the configuration file directory")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// --- Backing store ---
	var st store.Store
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg.Store.PostgresURL)
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		st = pg
		logger.Info("using postgres store")
	default:
		st = store.NewMemory()
		logger.Warn("using in-memory store; data will not survive restarts")
	}

	// --- Device index cache (optional) ---
	var cache *redis.Client
	if cfg.Store.RedisAddr != "" {
		cache = redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		if err := cache.Ping(ctx).Err(); err != nil {
			logger.Error("failed to connect to redis", "addr", cfg.Store.RedisAddr, "error", err)
			os.Exit(1)
		}
		defer cache.Close()
		logger.Info("device index cache enabled", "addr", cfg.Store.RedisAddr)
	}

	// --- Config publisher (optional) ---
	var pub configplan.Publisher
	if cfg.MQTT.Broker != "" {
		mp, err := configplan.NewMQTTPublisher(cfg.MQTT.Broker, cfg.MQTT.ClientID, 5*time.Second)
		if err != nil {
			logger.Error("failed to connect to mqtt broker", "broker", cfg.MQTT.Broker, "error", err)
			os.Exit(1)
		}
		defer mp.Close()
		pub = mp
		logger.Info("config publisher connected", "broker", cfg.MQTT.Broker)
	} else {
		logger.Warn("no mqtt broker configured; config publishing disabled")
	}

	// --- Components ---
	hub := websocket.NewHub(logger)
	go hub.Run()

	ttl := time.Duration(cfg.Store.IndexCacheTTLMin) * time.Minute
	resolver := device.NewResolver(st, cache, ttl, logger)
	detector := anomaly.NewDetector(cfg.Alerts.Rules)
	alerter := alerting.NewAlerter(st, hub, logger)
	engine := ingest.NewEngine(st, resolver, detector, alerter, hub, cfg.Ingest.RawRetentionDays, logger)
	authManager := auth.NewManager(cfg.Auth)
	plans := configplan.NewService(st, pub, logger)

	handler := api.NewHandler(engine, st, resolver, authManager, plans, hub, logger)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(handler),
	}

	go func() {
		logger.Info("starting telemetry API", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("server stopped")
}
