package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShreyashUmrao/Encrypted-Chat/internal/api"
	"github.com/ShreyashUmrao/Encrypted-Chat/internal/api/middleware"
	"github.com/ShreyashUmrao/Encrypted-Chat/internal/auth"
	"github.com/ShreyashUmrao/Encrypted-Chat/internal/config"
	"github.com/ShreyashUmrao/Encrypted-Chat/internal/handlers"
	"github.com/ShreyashUmrao/Encrypted-Chat/internal/hub"
	"github.com/ShreyashUmrao/Encrypted-Chat/internal/moderation"
	"github.com/ShreyashUmrao/Encrypted-Chat/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	// Initialize store. Redis backs production; development without a
	// Redis URL falls back to the in-memory store.
	var st store.Store
	if cfg.RedisURL != "" {
		redisStore, err := store.NewRedisStore(ctx, cfg.RedisURL, cfg.RoomKeySize)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		st = redisStore
		logger.Info().Msg("connected to Redis")
	} else {
		st = store.NewMemoryStore(cfg.RoomKeySize)
		logger.Warn().Msg("REDIS_URL not set, using in-memory store")
	}
	defer st.Close()

	verifier := auth.NewVerifier(cfg.JWTSecret)
	rooms := hub.New(logger)
	classifier := moderation.NewClassifier()

	h := handlers.NewHandler(st, rooms, classifier, verifier, logger, cfg.HistoryLimit)
	authmw := middleware.NewAuthMiddleware(verifier)
	router := api.NewRouter(logger, h, authmw)

	// Create server. No WriteTimeout: it would sever long-lived websocket
	// connections.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting chat server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
