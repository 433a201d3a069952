package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"callbridge/internal/auth"
	"callbridge/internal/billing"
	"callbridge/internal/config"
	"callbridge/internal/engine"
	"callbridge/internal/firewall"
	"callbridge/internal/notify"
	"callbridge/internal/status"
	"callbridge/internal/store"
)

func main() {
	cfg := config.Load()

	st, err := store.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	var statusStore status.Store
	if cfg.RedisAddr != "" {
		statusStore = status.NewRedisStore(cfg.RedisAddr)
	} else {
		statusStore = status.NewMemoryStore()
	}

	authMgr := auth.NewManager(cfg.JWTSecret)
	fw := firewall.NewFirewall(5)
	push := notify.NewDispatcher(notify.LogSender{}, 1024)
	defer push.Close()

	driver := billing.NewDriver(st, billing.AlwaysValid{}, cfg.BillingInterval, cfg.RatePerMinute, cfg.CommissionPct)

	ws := engine.NewWSServer(authMgr, fw)
	coord := engine.NewCoordinator(ws, st, st, push, statusStore, driver, engine.Options{
		StaleAfter:     cfg.StaleAfter,
		RingTimeout:    cfg.RingTimeout,
		ConflictWindow: cfg.ConflictWindow,
		QueueTimeout:   cfg.QueueTimeout,
		MatchRole:      cfg.MatchRole,
	})
	ws.SetCoordinator(coord)

	admin := engine.NewAdminAPI(coord, driver, st, authMgr, fw, cfg)

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down...")
		os.Exit(0)
	}()

	// Start Admin API in background
	go func() {
		log.Printf("Admin API starting on %s", cfg.AdminAddr)
		if err := admin.Start(cfg.AdminAddr); err != nil {
			log.Printf("Admin API failed: %v", err)
		}
	}()

	if err := ws.Start(cfg.ListenAddr); err != nil {
		log.Fatalf("Signaling server failed: %v", err)
	}
}
