package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/baseliner/backend/internal/api"
	"github.com/baseliner/backend/internal/audit"
	"github.com/baseliner/backend/internal/config"
	"github.com/baseliner/backend/internal/database"
	"github.com/baseliner/backend/internal/ingest"
	"github.com/baseliner/backend/internal/maintenance"
	"github.com/baseliner/backend/internal/middleware"
	"github.com/baseliner/backend/internal/registry"
	"github.com/baseliner/backend/internal/store"
	"github.com/baseliner/backend/internal/token"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err == nil {
		log.Println("loaded .env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatalf("migrations: %v", err)
	}
	if err := database.EnsureDefaultTenant(ctx, db); err != nil {
		log.Fatalf("default tenant: %v", err)
	}

	st := store.New(db)
	tokens := token.NewService(cfg.Auth.TokenPepper)
	auditor := audit.NewRecorder(st)
	reg := registry.NewService(st, tokens, auditor)
	ingester := ingest.New(st, ingest.Limits{
		MaxItems: cfg.Limits.MaxReportItems,
		MaxLogs:  cfg.Limits.MaxReportLogs,
	})
	pruner := maintenance.NewPruner(st, auditor)

	limiter, err := buildLimiter(cfg)
	if err != nil {
		log.Fatalf("rate limiter: %v", err)
	}

	srv := api.NewServer(cfg, st, tokens, reg, ingester, pruner, auditor, limiter)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Router(),
		ReadTimeout:  cfg.ReportTimeout() + 15*time.Second,
		WriteTimeout: cfg.ReportTimeout() + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("received shutdown signal, draining...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Server.ShutdownTimeoutSecs)*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown: %v", err)
		}
	}()

	log.Printf("baseliner control plane listening on :%s", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server: %v", err)
	}
	log.Println("server stopped")
}

func buildLimiter(cfg *config.Config) (*middleware.ScopedLimiter, error) {
	if !cfg.RateLimit.Enabled {
		return nil, nil
	}
	sl := &middleware.ScopedLimiter{TrustForwarded: cfg.Server.TrustForwardedHeader}
	if cfg.RateLimit.Backend == "redis" {
		opts, err := redis.ParseURL(cfg.RateLimit.RedisURL)
		if err != nil {
			return nil, err
		}
		log.Printf("rate limiting via redis %s", opts.Addr)
		// Keys are scope-prefixed, so both limiters share the client safely.
		client := redis.NewClient(opts)
		sl.Device = middleware.NewRedisLimiter(client, cfg.RateLimit.ReportsPerMinute)
		sl.IP = middleware.NewRedisLimiter(client, cfg.RateLimit.ReportsIPPerMinute)
		return sl, nil
	}
	sl.Device = middleware.NewMemoryLimiter(cfg.RateLimit.ReportsPerMinute, cfg.RateLimit.ReportsBurst)
	sl.IP = middleware.NewMemoryLimiter(cfg.RateLimit.ReportsIPPerMinute, cfg.RateLimit.ReportsIPBurst)
	return sl, nil
}
