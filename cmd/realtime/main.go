package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/realtime-core/config"
	"github.com/mossy-p/realtime-core/internal/handlers"
	"github.com/mossy-p/realtime-core/internal/logging"
	"github.com/mossy-p/realtime-core/internal/messaging"
	"github.com/mossy-p/realtime-core/internal/metrics"
	"github.com/mossy-p/realtime-core/internal/notify"
	"github.com/mossy-p/realtime-core/internal/presence"
	"github.com/mossy-p/realtime-core/internal/redis"
	"github.com/mossy-p/realtime-core/internal/registry"
	"github.com/mossy-p/realtime-core/internal/signaling"
	"github.com/mossy-p/realtime-core/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "optional config file (yaml, json or toml)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	db, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("store ready", zap.String("driver", cfg.Store.Driver))

	reg := registry.New(cfg.Presence.GracePeriod, logger, m)
	defer reg.Close()
	tracker := presence.New(reg, cfg.Presence.LivenessWindow, logger)

	var beats handlers.HeartbeatSink
	if cfg.Redis.Enabled {
		// Connect to Redis
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()

		mirror := redis.NewPresenceMirror(client, cfg.Presence.LivenessWindow, logger)
		tracker.Subscribe(mirror.Handle)
		tracker.UseRemote(mirror)
		beats = mirror
		logger.Info("redis presence mirror enabled", zap.String("addr", cfg.Redis.Addr()))
	}

	fanout := notify.NewFanout(db, reg, logger)
	router := messaging.NewRouter(db, db, reg, fanout, logger)
	calls := signaling.New(reg, fanout, signaling.Timeouts{
		Offered:  cfg.Calls.OfferTimeout,
		Answered: cfg.Calls.AnswerTimeout,
		Active:   cfg.Calls.ActiveTimeout,
	}, logger, m)

	gateway := handlers.NewGateway(handlers.GatewayConfig{
		JWTSecret:       cfg.JWTSecret,
		RequireToken:    cfg.Auth.RequireToken,
		AuthGraceFrames: cfg.Socket.AuthGraceFrames,
		SendBuffer:      cfg.Socket.SendBuffer,
	}, handlers.Services{
		Registry:   reg,
		Router:     router,
		Calls:      calls,
		Presence:   tracker,
		Users:      db,
		Heartbeats: beats,
	}, logger, m)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	handlers.Routes{
		Gateway:        gateway,
		Router:         router,
		Presence:       tracker,
		Users:          db,
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		Metrics:        promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		Logger:         logger,
	}.Register(engine)

	reapCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go calls.Run(reapCtx, cfg.Calls.ReapInterval)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting realtime server", zap.String("port", cfg.Port), zap.String("environment", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	stopReaper()
	gateway.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
