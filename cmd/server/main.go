package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/anonfunchat/relay/internal/server"
	"github.com/anonfunchat/relay/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// A missing .env is fine; the environment still applies.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevelFromEnv(),
	}))
	slog.SetDefault(logger)

	cfg := server.NewConfigFromEnv()
	server.SetConfig(cfg)

	files := store.New(store.Options{
		TTL:           cfg.FileTTL,
		MaxBytes:      cfg.MaxUploadBytes,
		SweepInterval: cfg.SweepInterval,
		Logger:        logger,
	})
	files.Start(context.Background())

	hub := server.NewHub(logger)
	go hub.Run()

	handler := server.NewHandler(hub, files, logger)
	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(handler))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("signal received, shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	_ = server.ShutdownServer(httpServer, shutdownTimeout)
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		logger.Warn("hub did not shut down cleanly", slog.String("error", err.Error()))
	}
	files.Stop()
}

func logLevelFromEnv() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
