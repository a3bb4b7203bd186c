package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"openhab-sync-service/internal/config"
	"openhab-sync-service/internal/httpapi"
	"openhab-sync-service/internal/livefeed"
	"openhab-sync-service/internal/mapper"
	"openhab-sync-service/internal/mqtt"
	"openhab-sync-service/internal/openhab"
	"openhab-sync-service/internal/realtime"
	"openhab-sync-service/internal/store"
	"openhab-sync-service/internal/syncer"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))
	slog.SetDefault(logger)

	db, err := store.OpenPostgres(
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.DBName,
		cfg.Postgres.Host,
		cfg.Postgres.Port,
		cfg.Postgres.SSLMode,
	)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}

	repo, err := store.New(db)
	if err != nil {
		slog.Error("db init failed", "error", err)
		os.Exit(1)
	}

	hub := realtime.NewHub()

	var mq *mqtt.Client
	if cfg.MQTTBrokerURL != "" {
		mq, err = mqtt.Connect(cfg.MQTTBrokerURL, "openhab-sync-service")
		if err != nil {
			// The service is useful without the broker; readings simply stop
			// fanning out to the rest of the platform.
			slog.Warn("mqtt connect failed, continuing without broker", "error", err)
			mq = nil
		}
	}

	ohClient := openhab.New(&http.Client{Timeout: 10 * time.Second})

	engineOpts := syncer.Options{Hub: hub, TopicPrefix: cfg.MQTTTopicPrefix}
	if mq != nil {
		engineOpts.MQ = mq
	}
	engine := syncer.New(repo, ohClient, engineOpts)
	feed := livefeed.NewManager(ohClient, hub)

	srv := httpapi.NewServer(repo, ohClient, mapper.New(repo), engine, feed, hub)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	srv.RegisterRoutes(r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		slog.Error("sync scheduler start failed", "error", err)
		os.Exit(1)
	}

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("openhab-sync-service started", "port", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	engine.Stop()
	feed.StopAll()
	if mq != nil {
		mq.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown failed", "error", err)
	}

	slog.Info("openhab-sync-service stopped")
}
