package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/sirupsen/logrus"

	"prensa-sync-backend/config"
	"prensa-sync-backend/internal/api"
	"prensa-sync-backend/internal/db"
	"prensa-sync-backend/internal/notify"
	"prensa-sync-backend/internal/store"
	"prensa-sync-backend/internal/syncer"
	"prensa-sync-backend/internal/upstream"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	setupLogger(&cfg.Log)
	logrus.Infof("configuration loaded from %s", configPath)

	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("invalid configuration: %v", err)
	}

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logrus.Fatalf("failed to initialize database: %v", err)
	}

	source, err := upstream.NewMariaSource(&cfg.Upstream, cfg.Sync.ClockOffset)
	if err != nil {
		logrus.Fatalf("failed to connect to upstream event database: %v", err)
	}
	defer source.Close()

	appStore := store.NewGormStore(gormDB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var webpushOptions *webpush.Options
	var pool *notify.WorkerPool
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool = notify.NewWorkerPool(cfg.WorkerPool.Size, gormDB, webpushOptions)
	} else {
		logrus.Warn("VAPID keys not configured, push notifications disabled")
	}

	daemon := syncer.NewService(cfg, appStore, source, pool, logrus.StandardLogger())
	go daemon.Run(ctx)

	router := api.NewRouter(&cfg.Server, appStore, webpushOptions)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logrus.Infof("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logrus.Info("shutdown signal received, stopping services")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Fatalf("HTTP server shutdown: %v", err)
	}

	logrus.Info("server gracefully stopped")
}

func setupLogger(cfg *config.LogConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}
