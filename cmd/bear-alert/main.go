package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/mr1hm/go-bear-alerts/internal/api"
	"github.com/mr1hm/go-bear-alerts/internal/config"
	"github.com/mr1hm/go-bear-alerts/internal/events"
	"github.com/mr1hm/go-bear-alerts/internal/logging"
	"github.com/mr1hm/go-bear-alerts/internal/notify"
	"github.com/mr1hm/go-bear-alerts/internal/pipeline"
	"github.com/mr1hm/go-bear-alerts/internal/repository"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatalf("Fatal while loading config: %v", err)
	}
	logging.Setup(cfg.Logging.Level, "bear-alert")

	slog.Info("Server starting", "host", cfg.Server.Host, "port", cfg.Server.Port, "db_driver", cfg.DB.Driver)

	db, err := repository.Open(cfg.DB.Driver, cfg.DB.Path, cfg.DB.URL, cfg.Notify.ClaimTTL)
	if err != nil {
		logging.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher, cleanup, err := notify.NewFromConfig(ctx, cfg, db)
	if err != nil {
		logging.Fatalf("Failed to initialize dispatcher: %v", err)
	}
	defer cleanup()

	// Dispatch results fan out to SSE subscribers
	broadcaster := events.NewBroadcaster()

	mgr := pipeline.NewManager(cfg, dispatcher, db, broadcaster)
	mgr.Start(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // must stay false with wildcard origins
	}))
	router.Use(api.RateLimitMiddleware(cfg.Server.RateLimitRPS))

	handler := api.NewHandler(db, mgr, broadcaster, cfg.Storage.LocalPath)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down...")

	// End SSE streams first so Shutdown does not wait on them, and stop taking
	// requests before the queue closes.
	broadcaster.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	cancel()
	mgr.Stop()

	slog.Info("shutdown complete")
}
