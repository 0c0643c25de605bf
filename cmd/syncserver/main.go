package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/axiston/convosync/internal/auth"
	"github.com/axiston/convosync/internal/db"
	"github.com/axiston/convosync/internal/httpapi"
	"github.com/axiston/convosync/internal/notifier"
	"github.com/axiston/convosync/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "convosync").Logger()

	// Pretty logging for local dev (only when explicitly set to "dev").
	if env("ENV", "") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	pgURL := env("DATABASE_URL", "")
	if pgURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}

	pool, err := db.Open(ctx, pgURL, db.PoolConfigFromEnv(func(k string) string { return env(k, "") }))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	st := store.New(pool)
	if err := st.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate schema")
	}

	// DevMode ONLY enabled when ENV is explicitly set to "dev" (allows
	// X-Debug-Sub to bypass JWT validation). Secure by default: if ENV is
	// unset or misspelled, DevMode stays false.
	isDevMode := env("ENV", "") == "dev"
	jwtSecret := env("JWT_HS256_SECRET", "dev-secret-change-in-production")

	if !isDevMode && (jwtSecret == "" || jwtSecret == "dev-secret-change-in-production") {
		log.Fatal().Msg("FATAL: cannot start outside dev mode with a missing or default JWT_HS256_SECRET")
	}

	jwtCfg := auth.JWTCfg{HS256Secret: jwtSecret, DevMode: isDevMode}

	var corsOrigins []string
	if raw := strings.TrimSpace(env("CORS_ORIGINS", "")); raw != "" {
		corsOrigins = strings.Split(raw, ",")
	}

	srv := &httpapi.Server{
		Store:           st,
		Notifier:        notifier.New(),
		JWTCfg:          jwtCfg,
		RateLimitConfig: httpapi.DefaultRateLimitConfig,
		CORSOrigins:     corsOrigins,
	}

	httpAddr := env("HTTP_ADDR", ":8080")
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second, // long-lived /sync/events streams outlive the default write timeout
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
