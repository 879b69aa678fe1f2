package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/cimex/control-plane/internal/config"
	"github.com/cimex/control-plane/internal/database"
	"github.com/cimex/control-plane/internal/handlers"
	"github.com/cimex/control-plane/internal/identity"
	"github.com/cimex/control-plane/internal/logging"
	"github.com/cimex/control-plane/internal/metrics"
	"github.com/cimex/control-plane/internal/netaddr"
	"github.com/cimex/control-plane/internal/nodeclient"
	"github.com/cimex/control-plane/internal/reconcile"
	"github.com/cimex/control-plane/internal/relay"
	"github.com/cimex/control-plane/internal/settings"
)

func main() {
	config.Load()

	logging.Init(config.Cfg.LogFile())
	defer logging.Close()

	if err := database.Init(config.Cfg.DatabasePath); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.Default()
	store := database.Store{}
	settingsStore := settings.Store{}

	// Relay subprocess
	relayMgr := relay.NewManager(config.Cfg.RelayWorkDir(), config.Cfg.FRPSBinary)
	relayMgr.OnChange = m.SetRelayRunning
	if rs, err := settingsStore.LoadRelay(); err != nil {
		log.Printf("WARNING: load relay settings: %v", err)
	} else if rs.Enabled {
		if err := relayMgr.Start("0.0.0.0", rs.Port, rs.Token); err != nil {
			log.Printf("WARNING: relay not started, agents use direct HTTP: %v", err)
		}
	}

	client := nodeclient.New(store, settingsStore, relayMgr, config.Cfg.AgentTLSInsecure)
	client.Metrics = m

	scheduler := &reconcile.Scheduler{
		Tunnels:  store,
		Nodes:    store,
		Settings: settingsStore,
		Pusher:   client,
		Metrics:  m,
	}
	if err := scheduler.Start(sigCtx); err != nil {
		log.Printf("WARNING: reconciler not started: %v", err)
	}

	staleJob, err := startStaleNodesJob(config.Cfg.NodeStaleAfter, m)
	if err != nil {
		log.Fatalf("Stale node job: %v", err)
	}

	handlers.Registrar = &identity.Registrar{
		Nodes:    store,
		Settings: settingsStore,
		Relay:    relayMgr,
		Outward: &netaddr.OutwardResolver{
			Override:    config.Cfg.PublicHost,
			STUNServers: config.Cfg.STUNServers,
		},
	}
	handlers.Agents = client
	handlers.Reconciler = scheduler
	handlers.Relay = relayMgr
	handlers.Metrics = m
	handlers.BaseCtx = sigCtx
	handlers.ServerLogPath = config.Cfg.LogFile()
	handlers.NodeCACertPath = config.Cfg.CACertPath
	handlers.NodeCAKeyPath = config.Cfg.CAKeyPath
	handlers.ServerCACertPath = config.Cfg.ServerCACertPath
	handlers.ServerCAKeyPath = config.Cfg.ServerCAKeyPath

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	handlers.Routes(r)

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	<-staleJob.Stop().Done()
	scheduler.Stop()
	relayMgr.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
