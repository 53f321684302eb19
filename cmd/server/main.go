// Command noteboard runs the HTTP control plane and the coordinators it
// spins up for live notes, wired to a SQLite-backed store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/noteboard/noteboard/pkg/database"
	"github.com/noteboard/noteboard/pkg/httpapi"
	"github.com/noteboard/noteboard/pkg/logger"
)

// Config holds all server configuration, assembled once at startup from the
// environment: port, SQLite path, cleanup schedule, shutdown grace period,
// and the per-IP API rate limiter. The coordinator's own constants (editor
// cap, debounce, per-session token bucket) are fixed in code.
type Config struct {
	Port                string
	SQLiteURI           string
	CleanupCronSpec     string
	ShutdownTimeout     time.Duration
	APIRateBurst        float64
	APIRatePerSecond    float64
	APIDisconnectThresh int
}

func main() {
	logger.Init()

	config := Config{
		Port:                getEnv("PORT", "3030"),
		SQLiteURI:           getEnv("SQLITE_URI", "noteboard.db"),
		CleanupCronSpec:     getEnv("CLEANUP_CRON", "@every 15m"),
		ShutdownTimeout:     getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		APIRateBurst:        getEnvFloat("API_RATE_BURST", 60.0),
		APIRatePerSecond:    getEnvFloat("API_RATE_PER_SECOND", 10.0),
		APIDisconnectThresh: getEnvInt("API_RATE_DISCONNECT_THRESHOLD", 20),
	}

	logger.Info("starting noteboard server", logger.Fields{
		"port": config.Port, "sqlite_uri": config.SQLiteURI, "cleanup_cron": config.CleanupCronSpec,
	})

	db, err := database.New(config.SQLiteURI)
	if err != nil {
		logger.Error("open database", err, nil)
		os.Exit(1)
	}
	defer db.Close()

	srv := httpapi.NewWithRateLimit(db, config.APIRateBurst, config.APIRatePerSecond, config.APIDisconnectThresh)
	if err := srv.StartCleanup(config.CleanupCronSpec); err != nil {
		logger.Error("start cleanup cron", err, nil)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	addr := fmt.Sprintf(":%s", config.Port)
	go func() { errCh <- srv.ListenAndServe(addr) }()

	select {
	case err := <-errCh:
		logger.Error("http server exited", err, nil)
	case sig := <-sigCh:
		logger.Info("shutting down", logger.Fields{"signal": sig.String()})
		ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown", err, nil)
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
