package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"codelab/internal/api"
	"codelab/internal/bridge"
	"codelab/internal/config"
	"codelab/internal/metrics"
	"codelab/internal/notify"
	"codelab/internal/registry"
	"codelab/internal/routers"
	"codelab/internal/session"
	storemongo "codelab/internal/store/mongo"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	mongoClient, err := storemongo.NewClient(context.Background(), cfg.MongoURI)
	if err != nil {
		logger.Fatal("connect mongo", zap.Error(err))
	}
	repo, err := storemongo.NewSessionRepo(mongoClient, cfg.DBName, cfg.SessionsCollection)
	if err != nil {
		logger.Fatal("init session repo", zap.Error(err))
	}

	reg := registry.New()
	metrics.ObservePresence(reg)

	var notifier *notify.Notifier
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		notifier = notify.NewWithRedis(logger, rdb)
		logger.Info("notification bridge enabled", zap.String("redisAddr", cfg.RedisAddr))
	} else {
		notifier = notify.New(logger)
	}
	defer notifier.Close()

	recon := bridge.New(repo, reg, logger)
	gateway := session.NewGateway(logger, reg, recon, notifier)
	handlers := api.NewHandlers(logger, repo, recon, cfg.ShareBaseURL)

	r := chi.NewRouter()
	r.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Logger,
		chimw.Recoverer,
		metrics.Middleware("codelab"),
	)
	r.Mount("/", routers.New(handlers, gateway, cfg.JWTSecret, cfg.ClientOrigin))
	r.Handle("/metrics", metrics.Handler())

	// No Read/Write timeouts here: the websocket endpoint holds connections
	// open indefinitely.
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("codelab listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)
	<-shutdownChan

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	if err := mongoClient.Disconnect(ctx); err != nil {
		logger.Error("mongo disconnect", zap.Error(err))
	}
}
