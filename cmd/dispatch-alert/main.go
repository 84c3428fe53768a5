// Command dispatch-alert runs one alert dispatch synchronously and prints the
// resulting stats as JSON. Re-running it for the same alert only reaches users
// who have not been attempted yet.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mr1hm/go-bear-alerts/internal/config"
	"github.com/mr1hm/go-bear-alerts/internal/logging"
	"github.com/mr1hm/go-bear-alerts/internal/notify"
	"github.com/mr1hm/go-bear-alerts/internal/repository"
)

func main() {
	alertID := flag.Int64("alert", 0, "ID of the alert to dispatch")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatalf("Fatal while loading config: %v", err)
	}
	logging.Setup(cfg.Logging.Level, "dispatch-alert")

	if *alertID <= 0 {
		logging.Fatalf("-alert must be a positive alert ID")
	}

	db, err := repository.Open(cfg.DB.Driver, cfg.DB.Path, cfg.DB.URL, cfg.Notify.ClaimTTL)
	if err != nil {
		logging.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher, cleanup, err := notify.NewFromConfig(ctx, cfg, db)
	if err != nil {
		logging.Fatalf("Failed to initialize dispatcher: %v", err)
	}
	defer cleanup()

	stats, err := dispatcher.Dispatch(ctx, *alertID)
	if err != nil {
		slog.Error("dispatch failed", "alert_id", *alertID, "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(stats); err != nil {
		logging.Fatalf("error encoding stats: %v", err)
	}
}
