package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"templesite/internal/api"
	"templesite/internal/auth"
	"templesite/internal/config"
	"templesite/internal/db"
	"templesite/internal/monitor"
	"templesite/internal/notify"
	"templesite/internal/rate"
	"templesite/internal/service"
	"templesite/internal/store"
	"templesite/internal/twofactor"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	sqdb, err := db.Open(cfg)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer sqdb.Close()
	if err := db.ApplyMigrationFile(sqdb, "migrations/001_init.sql"); err != nil {
		log.Fatalf("migration: %v", err)
	}

	st := store.New(sqdb)
	if cfg.BootstrapAdminEmail != "" && cfg.BootstrapAdminPassword != "" {
		hash, err := auth.HashPassword(cfg.BootstrapAdminPassword)
		if err != nil {
			log.Fatalf("bootstrap admin hash: %v", err)
		}
		if err := st.EnsureAdmin(context.Background(), cfg.BootstrapAdminEmail, hash); err != nil {
			log.Fatalf("bootstrap admin create: %v", err)
		}
	}

	sender := notify.NewSender(cfg)
	mon := monitor.New(sender)
	defer mon.Close()

	limiter := rate.NewLimiter(cfg.RateWindow(), cfg.RateMaxRequests, cfg.RateMaxLogin)
	blocker := rate.NewBlocker(cfg.BlockThreshold, cfg.BlockWindow(), cfg.BlockCooldown())
	twofa := twofactor.NewManager(st, cfg.TwoFactorKey, cfg.TOTPIssuer)

	svc := service.New(cfg, st, twofa, blocker, mon)
	r := api.NewRouter(cfg, svc, limiter, blocker)

	hsrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadTimeout:       time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTPReadHeaderTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
	}

	// The limiter, blocker and alert log are process-local. Running more
	// than one instance needs sticky routing per client IP or an external
	// shared store; only 2FA enrollment survives a restart.
	log.Printf("listening on %s", cfg.ListenAddr)
	if err := hsrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server: %v", err)
	}
}
